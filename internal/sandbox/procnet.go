package sandbox

import (
	"bufio"
	"strconv"
	"strings"
)

// tcpListen is the kernel's TCP_LISTEN state code in /proc/net/tcp.
const tcpListen = "0A"

// ParseProcNetTCP returns the local ports in LISTEN state from the contents
// of /proc/net/tcp and /proc/net/tcp6. Header lines and malformed rows are
// skipped.
func ParseProcNetTCP(s string) map[int]struct{} {
	out := make(map[int]struct{})
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		// sl local_address rem_address st ...
		if len(f) < 4 || f[3] != tcpListen {
			continue
		}
		i := strings.LastIndexByte(f[1], ':')
		if i < 0 {
			continue
		}
		port, err := strconv.ParseUint(f[1][i+1:], 16, 16)
		if err != nil {
			continue
		}
		out[int(port)] = struct{}{}
	}
	return out
}
