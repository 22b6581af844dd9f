package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"gitlab.lrz.de/ipk-2025/chatsim/client"
	"gitlab.lrz.de/ipk-2025/chatsim/config"
	"gitlab.lrz.de/ipk-2025/chatsim/logging"
	"gitlab.lrz.de/ipk-2025/chatsim/messages"
	"gitlab.lrz.de/ipk-2025/chatsim/responder"
)

// set records which serve flags were given on the command line, so an
// explicit zero still overrides the config file.
var set struct {
	host, port, confirmMode, markovP, markovQ, ignoreConfirms bool
}

func markSet(flag *bool) kingpin.Action {
	return func(*kingpin.ParseContext) error {
		*flag = true
		return nil
	}
}

var (
	app = kingpin.New("chatsim", "UDP responder for testing IPK25-CHAT clients.")

	serve          = app.Command("serve", "Run the responder.").Default()
	configFile     = serve.Flag("config", "TOML configuration file.").Short('c').ExistingFile()
	host           = serve.Flag("host", "IPv4 address to listen on.").Action(markSet(&set.host)).String()
	port           = serve.Flag("port", "Well-known port the first datagram is expected on (4567 if not given).").Short('t').Action(markSet(&set.port)).Int()
	confirmMode    = serve.Flag("confirm-mode", "What a CONFIRM references: the peer's message ID (echo) or the responder's counter (counter).").Action(markSet(&set.confirmMode)).Enum(config.ConfirmEcho, config.ConfirmCounter)
	markovP        = serve.Flag("p", "Loss probability after a delivered datagram.").Short('p').Action(markSet(&set.markovP)).Float64()
	markovQ        = serve.Flag("q", "Loss probability after a lost datagram.").Short('q').Action(markSet(&set.markovQ)).Float64()
	ignoreConfirms = serve.Flag("ignore-confirms", "Do not answer CONFIRM datagrams sent by the peer.").Action(markSet(&set.ignoreConfirms)).Bool()

	probe            = app.Command("probe", "Talk to a responder and print what comes back.")
	probeHost        = probe.Arg("host", "The host to probe (hostname or IPv4 address).").Required().ResolvedIP()
	probePort        = probe.Flag("port", "Port of the responder.").Short('t').Default(strconv.Itoa(config.DefaultPort)).Int()
	probeUser        = probe.Flag("username", "Username sent in the AUTH.").Default(client.DefaultProbeConfig.Username).String()
	probeDisplayName = probe.Flag("display-name", "Display name of the probe.").Default(client.DefaultProbeConfig.DisplayName).String()
	probeSecret      = probe.Flag("secret", "Secret sent in the AUTH.").Default(client.DefaultProbeConfig.Secret).String()
	probeMessages    = probe.Flag("messages", "Chat messages sent after the AUTH.").Default("1").Int()
	probeTimeout     = probe.Flag("timeout", "How long to wait for each answer.").Default(client.DefaultProbeConfig.Timeout.String()).Duration()
	probeConfirm     = probe.Flag("confirm", "Confirm every datagram the responder sends.").Bool()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case serve.FullCommand():
		err = runServe(ctx)
	case probe.FullCommand():
		err = runProbe(ctx)
	}
	if err != nil {
		stop()
		log.Fatal().Err(err).Msg(cmd + " failed")
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return cfg, err
		}
	}
	// flags win over the file
	if set.host {
		cfg.Host = *host
	}
	if set.port {
		cfg.Port = *port
	}
	if set.confirmMode {
		cfg.ConfirmMode = *confirmMode
	}
	if set.markovP {
		cfg.MarkovP = *markovP
	}
	if set.markovQ {
		cfg.MarkovQ = *markovQ
	}
	if set.ignoreConfirms {
		cfg.IgnoreConfirms = *ignoreConfirms
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New("responder")
	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("confirm_mode", cfg.ConfirmMode).
		Float64("markov_p", cfg.MarkovP).
		Float64("markov_q", cfg.MarkovQ).
		Msg("starting responder")

	r, err := responder.New(cfg, logger)
	if err != nil {
		return err
	}
	return r.Serve(ctx)
}

func runProbe(ctx context.Context) error {
	cfg := client.DefaultProbeConfig
	cfg.Username = *probeUser
	cfg.DisplayName = *probeDisplayName
	cfg.Secret = *probeSecret
	cfg.Messages = *probeMessages
	cfg.Timeout = *probeTimeout
	cfg.AutoConfirm = *probeConfirm

	if cfg.AutoConfirm {
		pterm.Warning.Println("answers are matched by the CONFIRM referencing each request, the responder has to run in echo mode")
	}

	server := &net.UDPAddr{IP: *probeHost, Port: *probePort}
	tr, err := client.Probe(ctx, server, &cfg)
	if tr != nil {
		if perr := printTranscript(tr); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func printTranscript(tr *client.Transcript) error {
	data := pterm.TableData{{"Request", "", "From", "Type", "Datagram"}}
	for _, e := range tr.Entries {
		mark := ""
		if e.Unsolicited {
			mark = "unsolicited"
		}
		data = append(data, []string{
			strconv.Itoa(int(e.Request)),
			mark,
			e.From.String(),
			messages.TypeName(e.Message.Type()),
			fmt.Sprintf("% X", e.Message.Marshal()),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}

	if tr.Migrated {
		pterm.Success.Printfln("responder migrated from %s to %s", tr.Server, tr.MigratedTo)
	} else {
		pterm.Warning.Printfln("responder stayed on %s", tr.Server)
	}
	return nil
}
