// netqasm CLI - serves a message backend and inspects encoded subroutines
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/netqasm/backend"
	"github.com/chazu/netqasm/encoding"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/manifest"
	"github.com/chazu/netqasm/message"
	"github.com/chazu/netqasm/sdk"
)

const version = "0.1.0"

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (overrides netqasm.toml)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config", ".", "Directory to search upwards for netqasm.toml")
	flavourName := flag.String("flavour", "", "Gate flavour (overrides netqasm.toml)")
	serveMode := flag.Bool("serve", false, "Start the message backend (Connect over HTTP)")
	servePort := flag.Int("port", 0, "Backend port (used with -serve)")
	dbPath := flag.String("db", "", "Message database (used with -serve and -history)")
	disasm := flag.String("disasm", "", "Decode an encoded subroutine file and print its listing")
	history := flag.Bool("history", false, "Print the messages stored in the database")
	session := flag.String("session", "", "Limit -history to one session")
	runDemo := flag.Bool("bell", false, "Run a single pair entanglement program against the configured backend")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: netqasm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  netqasm -serve -port 8080 -db messages.db  # Start a backend\n")
		fmt.Fprintf(os.Stderr, "  netqasm -disasm sub.bin -flavour nv        # Print a subroutine\n")
		fmt.Fprintf(os.Stderr, "  netqasm -history -db messages.db           # Dump stored messages\n")
		fmt.Fprintf(os.Stderr, "  netqasm -bell                              # Run the demo program\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("netqasm %s (instruction set %s)\n", version, isa.CurrentVersion)
		return
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fatal(err)
	}
	if m == nil {
		if m, err = manifest.Parse(nil); err != nil {
			fatal(err)
		}
	}

	level := m.Log.Verbosity
	if *verbosity >= 0 {
		level = *verbosity
	}
	commonlog.Configure(level, m.LogFile())

	flavour := m.Flavour()
	if *flavourName != "" {
		if flavour, err = isa.FlavourByName(*flavourName); err != nil {
			fatal(err)
		}
	}
	database := m.DatabasePath()
	if *dbPath != "" {
		database = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *disasm != "":
		err = disassemble(*disasm, flavour)
	case *history:
		err = printHistory(ctx, database, *session, flavour)
	case *serveMode:
		port := m.Backend.Port
		if *servePort != 0 {
			port = *servePort
		}
		err = serve(ctx, database, port, flavour)
	case *runDemo:
		err = bell(ctx, m, flavour)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func disassemble(path string, flavour *isa.Flavour) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := encoding.Decode(data, flavour)
	if err != nil {
		return err
	}
	fmt.Print(s.Listing())
	return nil
}

func printHistory(ctx context.Context, database, session string, flavour *isa.Flavour) error {
	if database == "" {
		return fmt.Errorf("no database configured (use -db)")
	}
	store, err := backend.OpenStore(database)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.History(ctx, session)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Printf("%6d  %s  %s  %s\n", rec.Sequence, rec.Received.Format("2006-01-02T15:04:05.000"), rec.Session, rec.Type)
		msg, err := rec.Message()
		if err != nil {
			fmt.Printf("        <%v>\n", err)
			continue
		}
		sub, ok := msg.(message.Subroutine)
		if !ok {
			fmt.Printf("        %+v\n", msg)
			continue
		}
		s, err := encoding.Decode(sub.Payload, flavour)
		if err != nil {
			fmt.Printf("        <%v>\n", err)
			continue
		}
		fmt.Print(s.Listing())
	}
	return nil
}

func serve(ctx context.Context, database string, port int, flavour *isa.Flavour) error {
	opts := []backend.ServerOption{backend.WithFlavour(flavour)}
	if database != "" {
		store, err := backend.OpenStore(database)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, backend.WithStore(store))
	}
	srv := backend.NewServer(opts...)
	defer srv.Stop()
	return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
}

// bell creates one entangled pair on the first configured socket, rotates
// the local half into the X basis and measures it.
func bell(ctx context.Context, m *manifest.Manifest, flavour *isa.Flavour) error {
	cfg := m.SDKConfig()
	cfg.Flavour = flavour
	if len(cfg.Sockets) == 0 {
		return fmt.Errorf("bell needs an epr socket in %s", manifest.FileName)
	}

	var be backend.Backend
	rec := backend.NewRecorder()
	switch m.Backend.Kind {
	case manifest.BackendRemote:
		be = backend.NewClient(http.DefaultClient, m.Backend.Address, uuid.New().String())
	default:
		be = rec
	}

	err := sdk.Run(ctx, be, cfg, func(c *sdk.Connection) error {
		sock, err := c.Socket(cfg.Sockets[0].ID)
		if err != nil {
			return err
		}
		res, err := sock.Create(c.Builder(), sdk.CreateRequest{Number: 1})
		if err != nil {
			return err
		}
		q := res.Qubits[0]
		if err := q.RotY(1, 1); err != nil {
			return err
		}
		_, err = q.Measure()
		return err
	})
	if err != nil {
		return err
	}

	if be == rec {
		subs, err := rec.Subroutines(flavour)
		if err != nil {
			return err
		}
		for _, s := range subs {
			fmt.Print(s.String())
		}
	}
	return nil
}
