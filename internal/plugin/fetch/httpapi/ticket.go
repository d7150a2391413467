package httpapi

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	vaultapi "github.com/hashicorp/vault/api"

	"github.com/fchat-tools/profilecache/internal/config"
)

// ticketField is the key holding the API ticket inside the Vault secret.
const ticketField = "ticket"

// ResolveTicket returns the API ticket, reading it from Vault KV v2 when
// cfg.FetchTicketVaultPath is set. The Vault client is configured from the
// standard VAULT_ADDR / VAULT_TOKEN environment.
func ResolveTicket(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.FetchTicketVaultPath == "" {
		return cfg.FetchTicket, nil
	}
	client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("http fetcher: creating vault client: %w", err)
	}
	mount := cfg.FetchTicketVaultMount
	if mount == "" {
		mount = "secret"
	}
	secret, err := client.KVv2(mount).Get(ctx, cfg.FetchTicketVaultPath)
	if err != nil {
		return "", fmt.Errorf("http fetcher: reading ticket from vault: %w", err)
	}
	ticket, ok := secret.Data[ticketField].(string)
	if !ok || ticket == "" {
		return "", fmt.Errorf("http fetcher: vault secret %s/%s has no %q field", mount, cfg.FetchTicketVaultPath, ticketField)
	}
	log.Info("HTTP fetcher: loaded API ticket from vault", "mount", mount, "path", cfg.FetchTicketVaultPath)
	return ticket, nil
}
