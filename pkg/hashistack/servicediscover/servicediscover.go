package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"taskpilot/pkg/config"
)

// Module registers the HTTP server with the consul agent at CONSUL.ADDR for
// the lifetime of the process. It is inert when the address is empty.
var Module = fx.Module("servicediscover", fx.Invoke(registerConsul))

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

func NewConsulRegistry(address, serviceName, serviceID, host string, port int, tags ...string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	service := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: serviceID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegisterOpts(r.service, api.ServiceRegisterOpts{}.WithContext(ctx))
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregisterOpts(r.serviceID, (&api.QueryOptions{}).WithContext(ctx))
}

// registration derives the consul service from config.
func registration(cfg *config.Config) (host string, port int, id string, err error) {
	port, err = strconv.Atoi(strings.TrimPrefix(cfg.Server.Addr, ":"))
	if err != nil {
		return "", 0, "", fmt.Errorf("HTTP_SERVER.ADDR %q is not a port: %w", cfg.Server.Addr, err)
	}
	host = cfg.Consul.ServiceHost
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return "", 0, "", err
		}
	}
	return host, port, fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID), nil
}

func registerConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	host, port, id, err := registration(cfg)
	if err != nil {
		return err
	}
	reg, err := NewConsulRegistry(cfg.Consul.Addr, cfg.AppName, id, host, port, cfg.AppEnv)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := reg.Register(ctx); err != nil {
				return fmt.Errorf("consul register: %w", err)
			}
			zap.L().Info("registered with consul", zap.String("service_id", id), zap.String("host", host), zap.Int("port", port))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return reg.Deregister(ctx)
		},
	})
	return nil
}

var _ ServiceRegistry = (*ConsulRegistry)(nil)
