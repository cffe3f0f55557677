package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ServiceDiscovery wraps an etcd client for agent registration.
// Every agent instance registers itself under /agents/<agentType>/<agentID>
// with a TTL lease; the lease keepalive doubles as a liveness signal at the
// infrastructure level, independent of the heartbeat messages on the bus.
type ServiceDiscovery struct {
	cli *clientv3.Client
}

// NewServiceDiscovery creates a new ServiceDiscovery.
func NewServiceDiscovery(endpoints []string) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{cli: cli}, nil
}

// Register registers an agent instance with etcd under the given key prefix.
// The returned channel stops the keepalive loop and lets the lease expire.
func (s *ServiceDiscovery) Register(agentType, agentID string, ttl int64) (chan<- struct{}, error) {
	leaseResp, err := s.cli.Grant(context.Background(), ttl)
	if err != nil {
		return nil, err
	}

	key := "/agents/" + agentType + "/" + agentID
	if _, err = s.cli.Put(context.Background(), key, agentID, clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}

	keepAliveCh, err := s.cli.KeepAlive(context.Background(), leaseResp.ID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				s.revoke(key)
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					// Lease expired or was revoked.
					s.revoke(key)
					return
				}
			}
		}
	}()

	return stop, nil
}

// revoke removes a registration key. The lease expiry would remove it anyway;
// deleting eagerly makes deregistration visible immediately.
func (s *ServiceDiscovery) revoke(key string) {
	s.cli.Delete(context.Background(), key)
}

// Discover lists the registered agent IDs for the given agent type.
func (s *ServiceDiscovery) Discover(agentType string) ([]string, error) {
	resp, err := s.cli.Get(context.Background(), "/agents/"+agentType+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, ev := range resp.Kvs {
		ids = append(ids, string(ev.Value))
	}
	return ids, nil
}

// Close closes the etcd client.
func (s *ServiceDiscovery) Close() error {
	return s.cli.Close()
}
