package health

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// ValkeyCheck pings the Valkey server.
func ValkeyCheck(client valkey.Client) Check {
	return func(ctx context.Context) error {
		if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
			return fmt.Errorf("valkey ping failed: %w", err)
		}
		return nil
	}
}
