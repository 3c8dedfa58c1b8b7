package detector

import (
	"context"
	"fmt"

	"github.com/loykin/previewr/internal/sandbox"
)

// Socket reports the first of Ports that has a listening socket.
type Socket struct {
	Runner Runner
	Ports  []int
}

func (d Socket) Detect(ctx context.Context, sb *sandbox.Sandbox) (Evidence, error) {
	st, err := d.Runner.CheckDevServer(ctx, sb, d.Ports)
	if err != nil {
		return Evidence{}, err
	}
	if !st.IsRunning {
		return Evidence{}, nil
	}
	return Evidence{Found: true, Port: st.Port, Detail: "listening"}, nil
}

func (d Socket) Describe() string { return fmt.Sprintf("socket:%v", d.Ports) }
