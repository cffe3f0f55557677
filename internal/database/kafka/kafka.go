package kafka

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// Client 持有 Kafka writer 和管理连接的单例实例。
type Client struct {
	Writer *kafka.Writer
	Conn   *kafka.Conn // 用于主题管理的连接
	Config *config.KafkaConfig
}

var (
	client  *Client
	once    sync.Once
	initErr error
)

// TaskTopic 返回某个 Agent 类型的任务主题名称。
func TaskTopic(cfg *config.KafkaConfig, agentType models.AgentType) string {
	return cfg.TaskTopicPrefix + "." + string(agentType)
}

// requiredTopics 返回流水线需要的全部主题：每种 Agent 的任务主题、
// 结果主题、事件主题和死信主题。
func requiredTopics(cfg *config.KafkaConfig) []string {
	topics := make([]string, 0, len(models.AllAgentTypes())+3)
	for _, t := range models.AllAgentTypes() {
		topics = append(topics, TaskTopic(cfg, t))
	}
	return append(topics, cfg.ResultsTopic, cfg.EventsTopic, cfg.DeadLetterTopic)
}

// GetClient 使用单例模式初始化并返回一个 Kafka 客户端实例。
// 首次调用时它会连接到 Kafka，并自动创建所有缺失的流水线主题。
func GetClient(cfg *config.KafkaConfig) (*Client, error) {
	once.Do(func() {
		if len(cfg.Brokers) == 0 {
			initErr = fmt.Errorf("未配置 Kafka brokers")
			return
		}

		// 1. 建立管理连接
		conn, err := kafka.Dial("tcp", cfg.Brokers[0])
		if err != nil {
			initErr = fmt.Errorf("kafka 初始化连接失败: %w", err)
			return
		}

		// 2. 获取已存在的主题
		partitions, err := conn.ReadPartitions()
		if err != nil {
			initErr = fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
			conn.Close()
			return
		}
		existingTopics := make(map[string]struct{})
		for _, p := range partitions {
			existingTopics[p.Topic] = struct{}{}
		}

		// 3. 创建缺失的主题
		var topicsToCreate []kafka.TopicConfig
		for _, topicName := range requiredTopics(cfg) {
			if _, exists := existingTopics[topicName]; !exists {
				log.Printf("主题 '%s' 不存在，准备创建...", topicName)
				topicsToCreate = append(topicsToCreate, kafka.TopicConfig{
					Topic:             topicName,
					NumPartitions:     1,
					ReplicationFactor: 1,
				})
			}
		}
		if len(topicsToCreate) > 0 {
			if err := conn.CreateTopics(topicsToCreate...); err != nil {
				initErr = fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
				conn.Close()
				return
			}
			log.Printf("成功创建 %d 个 Kafka 主题。", len(topicsToCreate))
		}

		// 4. 创建共享的 Writer。不指定 Topic，由每条消息自带目标主题。
		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		}

		log.Println("✅ 成功初始化 Kafka 客户端!")
		client = &Client{Writer: writer, Conn: conn, Config: cfg}
	})

	return client, initErr
}

// Close 安全地关闭单例的 Kafka 连接。
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Writer != nil {
		if err := c.Writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 Kafka writer 失败: %w", err))
		}
	}
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 Kafka 管理连接失败: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭 Kafka 客户端时发生多个错误: %v", errs)
	}
	return nil
}

// HealthCheck 检查 Kafka 连接的健康状况。
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil || c.Conn == nil {
		return fmt.Errorf("kafka 客户端未初始化，无法进行健康检查")
	}
	_, err := c.Conn.Controller()
	return err
}

// GetControllerInfo 返回 Kafka 控制器的地址信息。
func (c *Client) GetControllerInfo() (string, error) {
	if c == nil || c.Conn == nil {
		return "", fmt.Errorf("kafka 客户端未初始化")
	}
	controller, err := c.Conn.Controller()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)), nil
}
