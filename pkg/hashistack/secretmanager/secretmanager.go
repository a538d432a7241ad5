package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a vault client configured from VAULT_ADDR and VAULT_TOKEN.
// config.LoadConfig overlays database, redis and minio credentials from it.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		if err := client.SetToken(token); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// Optional returns Module when VAULT_ADDR is set and nothing otherwise.
func Optional() fx.Option {
	if os.Getenv("VAULT_ADDR") == "" {
		return fx.Options()
	}
	return Module
}
