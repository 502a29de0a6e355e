package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
)

// writeReport prints the results and returns how many expectations failed.
func writeReport(w io.Writer, host []hostResult, guest *guestReport) int {
	failed := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if len(host) > 0 {
		fmt.Fprintln(tw, "HOST TRAP\tOUTCOME\tDETAIL\t")
		for _, r := range host {
			mark := ""
			if r.Failed {
				mark = " FAILED"
				failed++
			}
			fmt.Fprintf(tw, "%s\t%s%s\t%s\t\n", r.Name, r.Outcome, mark, r.Detail)
		}
		fmt.Fprintln(tw, "\t\t\t")
	}

	if guest != nil {
		fmt.Fprintln(tw, "VCPU\tEXIT\tOUTCOME\tPC\tDETAIL\t")
		for _, results := range guest.Results {
			for _, r := range results {
				mark := ""
				if r.Failed {
					mark = " FAILED"
					failed++
				}
				detail := r.Packet
				if r.Err != nil {
					detail = r.Err.Error()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s%s\t%#x\t%s\t\n", r.VCPU, r.Name, r.Outcome, mark, r.PC, detail)
			}
		}
	}
	tw.Flush()

	if guest != nil {
		for _, key := range slices.Sorted(maps.Keys(guest.Ports)) {
			pkts := guest.Ports[key]
			fmt.Fprintf(w, "port %d: %d packets\n", key, len(pkts))
			for _, pkt := range pkts {
				fmt.Fprintf(w, "  %s\n", pkt)
			}
		}
		fmt.Fprintf(w, "cache maintenance ranges: %d\n", guest.Maintained)
	}
	return failed
}
