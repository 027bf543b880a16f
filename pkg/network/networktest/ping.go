package networktest

import (
	"fmt"
	"strconv"

	"github.com/glennswest/vxlab/pkg/substrate"
)

// PingHandler returns a substratetest-style command handler that answers
// "ping -c N ... <addr>" from the fabric's reachability, in iputils format.
// hosts maps endpoint IPs to endpoint names. Other commands succeed
// silently.
func (f *Fabric) PingHandler(hosts map[string]string) func(node string, argv []string) substrate.Result {
	return func(node string, argv []string) substrate.Result {
		if len(argv) == 0 || argv[0] != "ping" {
			return substrate.Result{}
		}
		count := 1
		for i := 1; i+1 < len(argv); i++ {
			if argv[i] == "-c" {
				if n, err := strconv.Atoi(argv[i+1]); err == nil {
					count = n
				}
			}
		}
		addr := argv[len(argv)-1]

		dst, ok := hosts[addr]
		if !ok {
			return substrate.Result{ExitCode: 2, Output: fmt.Sprintf("ping: %s: Name or service not known\n", addr)}
		}

		received := 0
		if f.Reachable(node, dst) {
			received = count
		}
		out := fmt.Sprintf("PING %s (%s) 56(84) bytes of data.\n\n--- %s ping statistics ---\n"+
			"%d packets transmitted, %d received, %d%% packet loss, time %dms\n",
			addr, addr, addr, count, received, (count-received)*100/max(count, 1), count*1000)

		res := substrate.Result{Output: out}
		if received == 0 {
			res.ExitCode = 1
		}
		return res
	}
}
