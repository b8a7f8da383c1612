// tb-shellguard serves audited, policy-gated shell sessions.
//
// Usage:
//
//	tb-shellguard serve                      # run the daemon
//	tb-shellguard check "rm -rf /"           # print a verdict, run nothing
//	tb-shellguard audit verify --pubkey key  # verify the audit chain offline
//	tb-shellguard audit prove --seq 42       # print a membership proof
//	tb-shellguard status                     # config summary and chain head
package main

import "github.com/tinkerbelle-io/tb-shellguard/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
