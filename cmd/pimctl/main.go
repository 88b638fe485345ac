package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/pimd/internal/api"
	"github.com/malbeclabs/pimd/internal/router"
)

const (
	defaultSockFile = "/var/run/pimd.sock"
	requestTimeout  = 10 * time.Second
)

const usage = `usage: pimctl [flags] <command>

commands:
  interfaces        pim interfaces and their designated routers
  neighbors         pim neighbors
  routes [group]    multicast routing entries, optionally of one group
  rp [group]        the rp-set, or the rp serving group
  bsr               the bootstrap router

flags:
`

func main() {
	sockFileFlag := flag.String("sock-file", defaultSockFile, "unix socket of the pimd status api")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := run(ctx, api.NewClient(*sockFileFlag), os.Stdout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *api.Client, w io.Writer, args []string) error {
	arg := ""
	if len(args) > 1 {
		arg = args[1]
	}
	switch args[0] {
	case "interfaces":
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		renderInterfaces(w, s.Interfaces)
	case "neighbors":
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		renderNeighbors(w, s.Neighbors)
	case "routes":
		routes, err := c.Routes(ctx, arg)
		if err != nil {
			return err
		}
		renderRoutes(w, routes)
	case "rp":
		if arg != "" {
			m, err := c.RPFor(ctx, arg)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "group %s rp %s\n", m.Group, m.RP)
			return nil
		}
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		renderRPs(w, s.RPs)
	case "bsr":
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		renderBSR(w, s.BSR)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeader(header)
	return table
}

func renderInterfaces(w io.Writer, ifaces []router.InterfaceInfo) {
	table := newTable(w, "Index", "Name", "Address", "DR Priority", "DR", "Neighbors", "State")
	for _, i := range ifaces {
		state := "up"
		switch {
		case i.Register:
			state = "register"
		case i.Disabled:
			state = "disabled"
		}
		dr := addrOrDash(i.DR)
		if i.IsDR {
			dr += " (self)"
		}
		table.Append([]string{
			fmt.Sprint(i.Index), i.Name, addrOrDash(i.Addr),
			fmt.Sprint(i.DRPriority), dr, fmt.Sprint(i.Neighbors), state,
		})
	}
	table.Render()
}

func renderNeighbors(w io.Writer, nbrs []router.NeighborInfo) {
	table := newTable(w, "Interface", "Address", "DR Priority", "GenID", "Uptime", "Expires")
	for _, n := range nbrs {
		table.Append([]string{
			n.Iface, n.Addr.String(), fmt.Sprint(n.DRPriority), fmt.Sprintf("%08x", n.GenID),
			n.Uptime.Truncate(time.Second).String(), n.Expires.Truncate(time.Second).String(),
		})
	}
	table.Render()
}

func renderRoutes(w io.Writer, routes []router.RouteInfo) {
	table := newTable(w, "Source", "Group", "Flags", "IIF", "Upstream", "OIFs", "Expires")
	for _, r := range routes {
		src := addrOrDash(r.Source)
		if r.Kind != "sg" {
			src = "*"
		}
		grp := addrOrDash(r.Group)
		if r.Kind == "rp" {
			grp = "*"
			src = addrOrDash(r.Source)
		}
		table.Append([]string{
			src, grp, routeFlags(r), dashIfEmpty(r.IIF), addrOrDash(r.Upstream),
			dashIfEmpty(strings.Join(r.Oifs, ",")), r.Expires.Truncate(time.Second).String(),
		})
	}
	table.Render()
}

func routeFlags(r router.RouteInfo) string {
	var f []string
	switch r.Kind {
	case "wc":
		f = append(f, "WC")
	case "rp":
		f = append(f, "RP")
	}
	if r.RPBit {
		f = append(f, "RPT")
	}
	if r.SPT {
		f = append(f, "SPT")
	}
	return dashIfEmpty(strings.Join(f, ","))
}

func renderRPs(w io.Writer, rps []router.RPInfo) {
	table := newTable(w, "Group Prefix", "RP", "Priority", "Expires")
	for _, r := range rps {
		expires := r.Expires.Truncate(time.Second).String()
		if r.Static {
			expires = "static"
		}
		table.Append([]string{r.Prefix.String(), r.RP.String(), fmt.Sprint(r.Priority), expires})
	}
	table.Render()
}

func renderBSR(w io.Writer, b router.BSRInfo) {
	table := newTable(w, "BSR", "Priority", "Hash Mask", "Elected", "Candidate", "Expires")
	table.Append([]string{
		addrOrDash(b.Addr), fmt.Sprint(b.Priority), fmt.Sprint(b.HashMaskLen),
		fmt.Sprint(b.Elected), fmt.Sprint(b.Candidate), b.Expires.Truncate(time.Second).String(),
	})
	table.Render()
}

func addrOrDash(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
