package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/connector"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/display"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/gateway"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/identity"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/radio"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/relay"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/store"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/upstream"
)

const defaultAirAddr = "127.0.0.1:7700"

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshnode")
}

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "LoRa flood-relay mesh node, gateway and telemetry connector.",
	Long: `meshnode runs one station of a LoRa telemetry mesh.

Nodes originate a reading every few minutes and rebroadcast every envelope
they hear with one hop less. Gateways do the same and publish each envelope
to an MQTT broker. The connector subscribes to that broker and stores the
readings.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logging.EnableDebug()
		}
	},
	SilenceUsage: true,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ─── node / gateway ─────────────────────────────────────────────────────────

// stationConfig reads the flags shared by node and gateway.
func stationConfig(cmd *cobra.Command) (relay.Config, error) {
	id, _ := cmd.Flags().GetString("id")
	ttl, _ := cmd.Flags().GetUint32("ttl")
	interval, _ := cmd.Flags().GetDuration("interval")
	resend, _ := cmd.Flags().GetDuration("resend-delay")
	refresh, _ := cmd.Flags().GetDuration("refresh")

	if id == "" {
		var err error
		if id, err = identity.Host(); err != nil {
			return relay.Config{}, fmt.Errorf("derive node id: %w (set --id)", err)
		}
	}
	if !identity.Valid(id) {
		logging.Warnf("node id %q is not a hardware-derived id", id)
	}
	if ttl == 0 {
		return relay.Config{}, errors.New("--ttl must be at least 1")
	}
	return relay.Config{
		ID:             id,
		MaxTTL:         ttl,
		OriginateEvery: interval,
		ResendDelay:    resend,
		RefreshEvery:   refresh,
	}, nil
}

// openDisplay returns the display selected by --display and a func that
// releases it.
func openDisplay(cmd *cobra.Command) (relay.Display, func(), error) {
	mode, _ := cmd.Flags().GetString("display")
	switch mode {
	case "panel":
		p, err := display.NewPanel()
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	case "log":
		return display.NewLog(), func() {}, nil
	case "none":
		return display.Nop{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown display %q (panel, log, none)", mode)
	}
}

func dialRadio(ctx context.Context, cmd *cobra.Command) (*radio.AirRadio, error) {
	air, _ := cmd.Flags().GetString("air")
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return radio.DialAir(dctx, "ws://"+air+radio.AirPath)
}

var errRadioLost = errors.New("radio: connection to the air hub lost")

// untilRadioLost runs run with a context that also ends when lost closes,
// and reports errRadioLost when that is why run stopped. A station that
// cannot hear the air stops instead of running deaf.
func untilRadioLost(ctx context.Context, lost <-chan struct{}, run func(context.Context) error) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-rctx.Done():
		}
	}()

	err := run(rctx)
	if ctx.Err() == nil {
		select {
		case <-lost:
			return errRadioLost
		default:
		}
	}
	return err
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rc, err := stationConfig(cmd)
		if err != nil {
			return err
		}
		rd, err := dialRadio(ctx, cmd)
		if err != nil {
			return err
		}
		defer rd.Close()
		disp, closeDisplay, err := openDisplay(cmd)
		if err != nil {
			return err
		}
		defer closeDisplay()

		rc.Radio = rd
		rc.Display = disp
		e, err := relay.New(rc)
		if err != nil {
			return err
		}
		logging.Infof("node %s on the air", rc.ID)
		err = untilRadioLost(ctx, rd.Done(), e.Run)
		if errors.Is(err, relay.ErrHalted) || errors.Is(err, errRadioLost) {
			return fmt.Errorf("radio failed, node halted: %w", err)
		}
		return err
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a relay node that publishes every envelope to MQTT",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rc, err := stationConfig(cmd)
		if err != nil {
			return err
		}
		broker, _ := cmd.Flags().GetString("broker")
		topic, _ := cmd.Flags().GetString("topic")
		backoff, _ := cmd.Flags().GetDuration("backoff")
		dedup, _ := cmd.Flags().GetBool("dedup")
		iface, _ := cmd.Flags().GetString("iface")

		rd, err := dialRadio(ctx, cmd)
		if err != nil {
			return err
		}
		defer rd.Close()
		disp, closeDisplay, err := openDisplay(cmd)
		if err != nil {
			return err
		}
		defer closeDisplay()

		mq := upstream.NewMQTT(upstream.MQTTConfig{
			Broker: broker,
			Link:   &upstream.NetLink{Interface: iface},
		})
		defer mq.Close()

		rc.Radio = rd
		rc.Display = disp
		g, err := gateway.New(rc, gateway.Config{
			Upstream: mq,
			Credentials: upstream.Credentials{
				ClientID: rc.ID,
				Username: os.Getenv("MQTT_USER"),
				Password: os.Getenv("MQTT_PASSWORD"),
			},
			Topic:   topic,
			Backoff: backoff,
			Dedup:   dedup,
		})
		if err != nil {
			return err
		}
		logging.Infof("gateway %s publishing to %s on %q", rc.ID, broker, topic)
		err = untilRadioLost(ctx, rd.Done(), g.Run)
		if errors.Is(err, relay.ErrHalted) || errors.Is(err, errRadioLost) {
			return fmt.Errorf("radio failed, gateway halted: %w", err)
		}
		return err
	},
}

// ─── air ────────────────────────────────────────────────────────────────────

var airCmd = &cobra.Command{
	Use:   "air",
	Short: "Run the shared radio channel that local nodes connect to",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		rssi, _ := cmd.Flags().GetInt("rssi")

		ctx, stop := signalContext()
		defer stop()

		hub := radio.NewAirServer(rssi)
		addr, err := hub.Start(listen)
		if err != nil {
			return err
		}
		defer hub.Close()
		pterm.Info.Printfln("air listening on ws://%s%s", addr, radio.AirPath)

		<-ctx.Done()
		pterm.Info.Printfln("air closing, %d radio(s) dropped", hub.Peers())
		return nil
	},
}

// ─── connector ──────────────────────────────────────────────────────────────

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Store the readings gateways publish",
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, _ := cmd.Flags().GetString("broker")
		topic, _ := cmd.Flags().GetString("topic")
		dataDir, _ := cmd.Flags().GetString("data")
		useDynamo, _ := cmd.Flags().GetBool("dynamo")
		expiry, _ := cmd.Flags().GetDuration("expiry")

		ctx, stop := signalContext()
		defer stop()

		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return err
		}
		db, err := store.Open(dataDir)
		if err != nil {
			return err
		}
		defer db.Close()

		sinks := store.Multi{db}
		if useDynamo {
			dyn, err := store.NewDynamo(ctx)
			if err != nil {
				return err
			}
			sinks = append(sinks, dyn)
		}

		c, err := connector.New(connector.Config{
			Broker: broker,
			Topic:  topic,
			Credentials: upstream.Credentials{
				ClientID: "connector-" + identity.NewToken()[:8],
				Username: os.Getenv("MQTT_USER"),
				Password: os.Getenv("MQTT_PASSWORD"),
			},
			Sink:   sinks,
			Dedup:  db,
			Expiry: expiry,
		})
		if err != nil {
			return err
		}
		logging.Infof("connector: storing %s into %s", topic, dataDir)
		err = c.Run(ctx)
		st := c.Stats()
		logging.Infof("connector: received=%d stored=%d points=%d duplicate=%d invalid=%d failed=%d",
			st.Received, st.Stored, st.Points, st.Duplicate, st.Invalid, st.Failed)
		return err
	},
}

// ─── points ─────────────────────────────────────────────────────────────────

var pointsCmd = &cobra.Command{
	Use:   "points [measurement]",
	Short: "Show stored readings, or list measurements",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := store.Open(dataDir)
		if err != nil {
			return err
		}
		defer db.Close()

		if len(args) == 0 {
			names, err := db.Measurements()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No readings stored yet.")
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		pts, err := db.Points(args[0], limit)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"Time", "Device", "Value", "Message"}}
		for _, p := range pts {
			rows = append(rows, []string{
				p.Time.Local().Format(time.DateTime),
				p.Device,
				fmt.Sprintf("%g", p.Value),
				p.MessageID,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// ─── identity ───────────────────────────────────────────────────────────────

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the node id derived from this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.Host()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")

	for _, cmd := range []*cobra.Command{nodeCmd, gatewayCmd} {
		cmd.Flags().String("id", "", "Node id (default: derived from this host)")
		cmd.Flags().String("air", defaultAirAddr, "Address of the shared radio channel")
		cmd.Flags().Uint32("ttl", protocol.DefaultMaxTTL, "Hop budget of originated envelopes")
		cmd.Flags().Duration("interval", relay.DefaultOriginateEvery, "Time between originations")
		cmd.Flags().Duration("resend-delay", relay.DefaultResendDelay, "Delay before rebroadcasting a received envelope")
		cmd.Flags().Duration("refresh", relay.DefaultRefreshEvery, "Display refresh period")
		cmd.Flags().String("display", "panel", "Status display: panel, log or none")
	}

	gatewayCmd.Flags().String("broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	gatewayCmd.Flags().String("topic", gateway.DefaultTopic, "MQTT topic envelopes are published on")
	gatewayCmd.Flags().Duration("backoff", gateway.DefaultBackoff, "Wait between reconnect attempts")
	gatewayCmd.Flags().Bool("dedup", false, "Publish each message once instead of every copy heard")
	gatewayCmd.Flags().String("iface", "", "Network interface the broker is reached through (default: any)")

	airCmd.Flags().String("listen", defaultAirAddr, "Listen address")
	airCmd.Flags().Int("rssi", radio.DefaultRSSI, "RSSI stamped on relayed frames")

	connectorCmd.Flags().String("broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	connectorCmd.Flags().String("topic", connector.DefaultTopic, "MQTT topic to subscribe to")
	connectorCmd.Flags().Duration("expiry", connector.DefaultExpiry, "How long a message id counts as processed")
	connectorCmd.Flags().Bool("dynamo", false, "Also write readings to DynamoDB (table from DYNAMODB_TABLE_NAME)")

	pointsCmd.Flags().Int("limit", 20, "Maximum readings to show (0 = all)")

	for _, cmd := range []*cobra.Command{connectorCmd, pointsCmd} {
		cmd.Flags().String("data", defaultDataDir(), "Data directory (~/.meshnode)")
	}

	rootCmd.AddCommand(nodeCmd, gatewayCmd, airCmd, connectorCmd, pointsCmd, identityCmd, simCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
