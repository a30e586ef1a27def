package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/gateway"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/radio"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/relay"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/upstream"
)

// station is one simulated engine; step advances it to now.
type station struct {
	engine *relay.Engine
	step   func(ctx context.Context, now time.Time) error
}

// simulate runs n stations on a line, A-B-C..., on virtual time. With withGateway
// the last station publishes to up.
func simulate(ctx context.Context, n int, ttl uint32, interval, duration, tick time.Duration, withGateway bool, up *upstream.Log) ([]relay.Status, error) {
	medium := radio.NewMedium()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("ID%012x", i+1)
	}
	radios, err := medium.Line(names...)
	if err != nil {
		return nil, err
	}

	start := time.Unix(0, 0)
	stations := make([]station, n)
	for i, r := range radios {
		rc := relay.Config{
			ID:             names[i],
			Radio:          r,
			MaxTTL:         ttl,
			OriginateEvery: interval,
		}
		if withGateway && i == n-1 {
			g, err := gateway.New(rc, gateway.Config{Upstream: up})
			if err != nil {
				return nil, err
			}
			defer g.Bridge().Close()
			if err := g.Start(ctx, start); err != nil {
				return nil, err
			}
			stations[i] = station{engine: g.Engine(), step: g.Step}
			continue
		}
		e, err := relay.New(rc)
		if err != nil {
			return nil, err
		}
		if err := e.Start(start); err != nil {
			return nil, err
		}
		stations[i] = station{engine: e, step: func(_ context.Context, now time.Time) error { return e.Poll(now) }}
	}

	for now := start; now.Sub(start) <= duration; now = now.Add(tick) {
		if err := ctx.Err(); err != nil {
			break
		}
		for _, s := range stations {
			if err := s.step(ctx, now); err != nil {
				return nil, err
			}
		}
	}

	out := make([]relay.Status, n)
	for i, s := range stations {
		out[i] = s.engine.Status()
	}
	return out, nil
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Simulate a line of nodes in-process and print their counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, _ := cmd.Flags().GetInt("nodes")
		ttl, _ := cmd.Flags().GetUint32("ttl")
		interval, _ := cmd.Flags().GetDuration("interval")
		duration, _ := cmd.Flags().GetDuration("duration")
		tick, _ := cmd.Flags().GetDuration("tick")
		withGateway, _ := cmd.Flags().GetBool("gateway")

		if nodes < 1 {
			return fmt.Errorf("--nodes must be at least 1")
		}
		if tick <= 0 {
			return fmt.Errorf("--tick must be positive")
		}

		ctx, stop := signalContext()
		defer stop()

		up := &upstream.Log{}
		statuses, err := simulate(ctx, nodes, ttl, interval, duration, tick, withGateway, up)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"ID", "Role", "Originated", "Received", "Relayed", "Self-loop", "TTL spent", "Invalid", "Superseded"}}
		for _, s := range statuses {
			c := s.Counters
			rows = append(rows, []string{
				s.ID, string(s.Role),
				fmt.Sprint(c.Originated), fmt.Sprint(c.Received), fmt.Sprint(c.Relayed),
				fmt.Sprint(c.SelfLoop), fmt.Sprint(c.TTLExhausted), fmt.Sprint(c.Invalid), fmt.Sprint(c.Superseded),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		if withGateway {
			pterm.Info.Printfln("gateway published %d message(s)", len(up.Messages()))
		}
		return nil
	},
}

func init() {
	simCmd.Flags().Int("nodes", 4, "Number of nodes on the line")
	simCmd.Flags().Uint32("ttl", protocol.DefaultMaxTTL, "Hop budget of originated envelopes")
	simCmd.Flags().Duration("interval", 30*time.Second, "Time between originations")
	simCmd.Flags().Duration("duration", 2*time.Minute, "Simulated time to run")
	simCmd.Flags().Duration("tick", relay.DefaultTickEvery, "Simulated step")
	simCmd.Flags().Bool("gateway", true, "Make the last node a gateway")
}
