package servicediscover

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskpilot/pkg/config"
)

func TestRegistration(t *testing.T) {
	cfg := &config.Config{AppName: "taskpilot", NodeID: 3}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "worker-3.internal"

	host, port, id, err := registration(cfg)
	require.NoError(t, err)
	require.Equal(t, "worker-3.internal", host)
	require.Equal(t, 8080, port)
	require.Equal(t, "taskpilot-3", id)

	reg, err := NewConsulRegistry("127.0.0.1:8500", cfg.AppName, id, host, port, "production")
	require.NoError(t, err)
	require.Equal(t, "http://worker-3.internal:8080/readyz", reg.service.Check.HTTP)
	require.Equal(t, []string{"production"}, reg.service.Tags)

	cfg.Server.Addr = "not-a-port"
	_, _, _, err = registration(cfg)
	require.Error(t, err)
}
