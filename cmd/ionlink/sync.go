package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/client"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/profilesync"
	"github.com/srg/ionlink/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write family member profiles to a filter",
	Long: `Pair with a filter and write every profile from a YAML file. Each
profile succeeds or fails on its own; the command fails when any profile was
rejected.`,
	RunE: runSync,
}

var (
	syncOpts     pairFlags
	syncProfiles string
)

func init() {
	syncOpts.register(syncCmd)
	syncCmd.Flags().StringVarP(&syncProfiles, "profiles", "p", "", "YAML file with the profiles to write")
	_ = syncCmd.MarkFlagRequired("profiles")
}

type syncOutput struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	env, err := newEnvironment(cmd, syncOpts.password)
	if err != nil {
		return err
	}
	defer env.Close()

	profiles, err := loadProfiles(syncProfiles)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c, err := env.connect(ctx, &syncOpts, store.NewMemory(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.RequestSync(ctx, profiles)
	if err != nil {
		return err
	}
	return env.printSync(profiles, res)
}

func (e *environment) printSync(profiles []device.FamilyMemberProfile, res *profilesync.SyncResult) error {
	out := syncOutput{Accepted: res.Accepted, Rejected: map[string]string{}}
	for id, r := range res.Rejected {
		out.Rejected[id] = r.Error()
	}

	if e.json() {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		ok := color.New(color.FgGreen).SprintFunc()
		bad := color.New(color.FgRed).SprintFunc()
		tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNICKNAME\tRESULT")
		for _, p := range profiles {
			if r, rejected := res.Rejected[p.ID]; rejected {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Nickname, bad(r.Error()))
			} else {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Nickname, ok("accepted"))
			}
		}
		_ = tw.Flush()
	}

	if !res.OK() {
		return fmt.Errorf("%d of %d profiles rejected", len(res.Rejected), len(profiles))
	}
	return nil
}

// connect pairs and hands the link to a new client.
func (e *environment) connect(ctx context.Context, flags *pairFlags, sink store.Sink, deps *client.Deps) (*client.Client, error) {
	m, l, err := e.pair(ctx, flags)
	if err != nil {
		return nil, err
	}
	info := m.Info()
	// The client owns the link from here; closing the machine leaves it open.
	m.Close()

	d := client.Deps{Sink: sink}
	if deps != nil {
		d = *deps
		if d.Sink == nil {
			d.Sink = sink
		}
	}
	cc := e.cfg.ClientConfig()
	c, err := client.New(e.logger, &cc, d)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if err := c.Attach(l); err != nil {
		_ = c.Close()
		_ = l.Close()
		return nil, err
	}
	if !e.json() {
		fmt.Fprintf(e.out, "Connected to %s over %s\n", info.Serial, l.Kind())
	}
	return c, nil
}
