package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nhle/mailhub/internal/reply"
)

// CommandDrafter runs an external command per draft. The request is
// written to stdin as JSON; the last stdout line holding a JSON object
// with subject and body is the draft.
type CommandDrafter struct {
	name string
	args []string
}

// NewCommandDrafter returns a drafter running name with args.
func NewCommandDrafter(name string, args ...string) *CommandDrafter {
	return &CommandDrafter{name: name, args: args}
}

// Draft runs the command until it exits or ctx is done.
func (c *CommandDrafter) Draft(ctx context.Context, req reply.DraftRequest) (*reply.Draft, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding draft request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("running %s: %w", c.name, ctx.Err())
		}
		return nil, fmt.Errorf("running %s: %w: %s", c.name, err, strings.TrimSpace(stderr.String()))
	}

	d, ok := lastDraft(stdout.Bytes())
	if !ok {
		return nil, fmt.Errorf("%s printed no draft", c.name)
	}
	return d, nil
}

// lastDraft scans out for the last line that decodes as a draft object.
func lastDraft(out []byte) (*reply.Draft, bool) {
	var found *reply.Draft
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var d reply.Draft
		if json.Unmarshal([]byte(line), &d) == nil && (d.Subject != "" || d.Body != "") {
			found = &d
		}
	}
	return found, found != nil
}
