package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Source yields the ordered list of relay endpoints a client should try.
type Source interface {
	Candidates(ctx context.Context) ([]string, error)
}

type Static []string

func (s Static) Candidates(context.Context) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no static endpoints configured")
	}
	return append([]string(nil), s...), nil
}

// Consul resolves healthy relay instances from the Consul catalog and can
// register the running relay there.
type Consul struct {
	client  *consulapi.Client
	service string
	log     *zap.Logger
}

func NewConsul(addr, service string, log *zap.Logger) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Consul{client: client, service: service, log: log}, nil
}

// Candidates returns ws:// URLs of passing instances in catalog order.
func (c *Consul) Candidates(ctx context.Context) ([]string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(c.service, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("consul health %s: %w", c.service, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no healthy instances for %s", c.service)
	}
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		urls = append(urls, "ws://"+net.JoinHostPort(addr, strconv.Itoa(e.Service.Port))+"/v1/ws")
	}
	return urls, nil
}

// Register adds this instance with an HTTP health check on /v1/health.
func (c *Consul) Register(id, addr string, port int) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    c.service,
		Address: addr,
		Port:    port,
		Tags:    []string{"ws"},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           "http://" + net.JoinHostPort(addr, strconv.Itoa(port)) + "/v1/health",
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := c.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}
	c.log.Info("registered with consul", zap.String("service", c.service), zap.String("id", id))
	return nil
}

func (c *Consul) Deregister(id string) error {
	return c.client.Agent().ServiceDeregister(id)
}
