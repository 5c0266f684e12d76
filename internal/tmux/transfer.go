package tmux

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// transferChunkSize keeps each injected line well under typical pty
// line-length limits.
const transferChunkSize = 512

// TransferDelay paces chunk injection so the remote shell keeps up.
// Tests set it to zero.
var TransferDelay = 20 * time.Millisecond

// TransferFile copies data into the pane's filesystem without any
// outbound network from the remote side: the payload is base64-chunked
// through send-keys into a staging file and decoded in place.
func TransferFile(ctx context.Context, m Manager, session string, data []byte, remotePath string) error {
	stage := fmt.Sprintf("/tmp/rt-transfer-%s.b64", uuid.NewString()[:8])
	encoded := base64.StdEncoding.EncodeToString(data)

	if err := m.SendKeys(ctx, session, fmt.Sprintf("rm -f %s", stage), true); err != nil {
		return fmt.Errorf("reset staging file: %w", err)
	}
	for start := 0; start < len(encoded); start += transferChunkSize {
		end := start + transferChunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		cmd := fmt.Sprintf("printf '%%s' '%s' >> %s", encoded[start:end], stage)
		if err := m.SendKeys(ctx, session, cmd, true); err != nil {
			return fmt.Errorf("send chunk at %d: %w", start, err)
		}
		if TransferDelay > 0 {
			time.Sleep(TransferDelay)
		}
	}
	decode := fmt.Sprintf("base64 -d %s > %s && rm -f %s", stage, remotePath, stage)
	if err := m.SendKeys(ctx, session, decode, true); err != nil {
		return fmt.Errorf("decode staging file: %w", err)
	}
	return nil
}
