// otbridge is the OT-to-cloud data gateway: it collects telemetry from
// OPC-UA, MQTT and Modbus sources, normalises it into a common
// hierarchical schema and streams it in batches into a ZeroBus ingestion
// endpoint, buffering through an encrypted disk spool while the cloud is
// unreachable.
package main

import (
	"os"

	"otbridge.evalgo.org/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.CodeFor(err))
	}
}
