package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const procNetSample = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:0BB9 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
   1: 0100007F:0BB8 0100007F:9C40 01 00000000:00000000 00:00000000 00000000  1000        0 12346 1 0000000000000000 20 4 30 10 -1
  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000000000000000000000000000:0BBC 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 2222 1 0000000000000000 100 0 0 10 0
   garbage line
`

func TestParseProcNetTCP(t *testing.T) {
	got := ParseProcNetTCP(procNetSample)
	assert.Contains(t, got, 3001)
	assert.Contains(t, got, 3004)
	// 3000 is an established connection, not a listener
	assert.NotContains(t, got, 3000)
	assert.Len(t, got, 2)
}

func TestParseProcNetTCP_Empty(t *testing.T) {
	assert.Empty(t, ParseProcNetTCP(""))
}

func TestFirstListeningKeepsPreferenceOrder(t *testing.T) {
	listening := map[int]struct{}{3004: {}, 3001: {}}
	p, ok := firstListening([]int{3000, 3001, 3002, 3003, 3004}, listening)
	assert.True(t, ok)
	assert.Equal(t, 3001, p)

	_, ok = firstListening([]int{3000}, listening)
	assert.False(t, ok)
}

func TestExecTimeoutDefaults(t *testing.T) {
	assert.Equal(t, DefaultExecTimeout, execTimeout(ExecOptions{}, 0))
	assert.Equal(t, 3*DefaultExecTimeout, execTimeout(ExecOptions{}, 3*DefaultExecTimeout))
	assert.Equal(t, DefaultExecTimeout/2, execTimeout(ExecOptions{Timeout: DefaultExecTimeout / 2}, 3*DefaultExecTimeout))
}
