// Command avctl is the fleet-listing inspector of SPEC_FULL.md's CLI
// section: a thin HTTP client over a running Controller's grpcapi REST
// surface, rendered as a table, generalizing the teacher's own CLI
// tooling conventions (flags-driven startup, tabular device/port state)
// to an AVDECC entity fleet.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
)

type options struct {
	Addr   string `short:"a" long:"addr" description:"grpcapi REST address" default:"http://127.0.0.1:8980"`
	Entity string `short:"e" long:"entity" description:"show one entity's snapshot instead of the fleet table"`
}

type fleetRow struct {
	EntityID      string `json:"entityID"`
	Advertised    bool   `json:"advertised"`
	FatalError    bool   `json:"fatalError"`
	Compatibility string `json:"compatibility"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	if opts.Entity != "" {
		if err := printEntity(opts.Addr, opts.Entity); err != nil {
			fmt.Fprintln(os.Stderr, "avctl:", err)
			os.Exit(1)
		}
		return
	}
	if err := printFleet(opts.Addr); err != nil {
		fmt.Fprintln(os.Stderr, "avctl:", err)
		os.Exit(1)
	}
}

func printFleet(addr string) error {
	resp, err := http.Get(addr + "/fleet")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rows []fleetRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Entity ID", "Advertised", "Fatal", "Compatibility"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range rows {
		table.Append([]string{r.EntityID, fmt.Sprint(r.Advertised), fmt.Sprint(r.FatalError), r.Compatibility})
	}
	table.Render()
	return nil
}

func printEntity(addr, entityID string) error {
	resp, err := http.Get(addr + "/fleet/" + entityID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("entity %s: server returned %s", entityID, resp.Status)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
