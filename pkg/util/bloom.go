package util

import (
	"hash/fnv"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// BloomFilter 是一个线程安全的布隆过滤器，用于大规模去重场景
// （例如新闻源条目 URL 的"是否已见过"判断）。允许少量误报，绝无漏报。
type BloomFilter struct {
	m    uint           // 位数组大小
	k    uint           // 哈希函数数量
	bits *bitset.BitSet // 位数组
	lock sync.RWMutex
}

// NewBloomFilter 创建一个布隆过滤器。
// capacity: 预估要存储的元素数量。
// errorRate: 期望的误报率 (例如 0.01 表示 1%)。
func NewBloomFilter(capacity uint, errorRate float64) *BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	if errorRate <= 0 || errorRate >= 1 {
		errorRate = 0.01
	}
	m := calculateM(capacity, errorRate)
	k := calculateK(capacity, m)
	return &BloomFilter{
		m:    m,
		k:    k,
		bits: bitset.New(m),
	}
}

// Add 向过滤器中添加一个元素。
func (bf *BloomFilter) Add(data []byte) {
	hashes := bf.hashKernels(data)
	bf.lock.Lock()
	defer bf.lock.Unlock()
	for i := uint(0); i < bf.k; i++ {
		bf.bits.Set(uint(hashes[i] % uint64(bf.m)))
	}
}

// Test 检查一个元素是否可能已存在。返回 false 时元素一定不存在。
func (bf *BloomFilter) Test(data []byte) bool {
	hashes := bf.hashKernels(data)
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	for i := uint(0); i < bf.k; i++ {
		if !bf.bits.Test(uint(hashes[i] % uint64(bf.m))) {
			return false
		}
	}
	return true
}

// hashKernels 用双哈希法生成 k 个不同的哈希值。
func (bf *BloomFilter) hashKernels(data []byte) []uint64 {
	h1 := fnv.New64a()
	h1.Write(data)
	hash1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(data)
	hash2 := h2.Sum64()

	hashes := make([]uint64, bf.k)
	for i := uint(0); i < bf.k; i++ {
		hashes[i] = hash1 + uint64(i)*hash2
	}
	return hashes
}

// m = - (n * log(p)) / (log(2)^2)
func calculateM(n uint, p float64) uint {
	return uint(math.Ceil(-(float64(n) * math.Log(p)) / (math.Pow(math.Log(2), 2))))
}

// k = (m / n) * log(2)
func calculateK(n uint, m uint) uint {
	k := uint(math.Ceil((float64(m) / float64(n)) * math.Log(2)))
	if k < 1 {
		return 1
	}
	return k
}
