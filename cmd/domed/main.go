// Command domed runs the dome driver and serves it over HTTP, websocket and
// rotctld.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/w1xm/dome_interface/config"
	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/journal"
	"github.com/w1xm/dome_interface/link"
	"github.com/w1xm/dome_interface/notify"
	"github.com/w1xm/dome_interface/simulator"
)

var (
	configPath  = flag.String("config", "", "path to YAML configuration")
	serialPort  = flag.String("serial", "", "serial port name (overrides config)")
	addr        = flag.String("addr", "", "address to listen on (overrides config)")
	rotctldAddr = flag.String("rotctld_addr", "", "address to serve rotctld on")
	simulate    = flag.Bool("simulate", false, "drive a simulated controller")
	reconnect   = flag.Duration("reconnect", 10*time.Second, "interval between connection attempts")
)

func loadConfig() *config.Config {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *rotctldAddr != "" {
		cfg.Server.RotctldAddr = *rotctldAddr
	}
	return cfg
}

func main() {
	flag.Parse()
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []dome.Option
	notifiers := notify.Multi{notify.Log{Prefix: "event "}}

	var opener dome.Opener
	if *simulate {
		sim := simulator.New()
		go sim.Run(ctx)
		opener = sim.Open
		opts = append(opts, dome.WithPowerCycler(sim))
	} else {
		if cfg.Serial.Port == "" {
			log.Fatal("no serial port configured; use -serial or -simulate")
		}
		opener = func() (link.Port, error) {
			return link.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud)
		}
		cycler, err := cfg.Power.Cycler()
		if err != nil {
			log.Fatal(err)
		}
		if cycler != nil {
			opts = append(opts, dome.WithPowerCycler(cycler))
		} else {
			log.Print("no power cycler configured; hard resets disabled")
		}
	}

	var store *journal.Store
	if cfg.Journal.Path != "" {
		var err error
		if store, err = journal.Open(cfg.Journal.Path); err != nil {
			log.Fatal(err)
		}
		defer store.Close()
		notifiers = append(notifiers, store)
		go pruneJournal(ctx, store, cfg.Journal.Retention)
	}
	if cfg.Mail.Domain != "" {
		mail, err := notify.NewMail(cfg.Mail.MailConfig)
		if err != nil {
			log.Fatal(err)
		}
		notifiers = append(notifiers, mail)
	}
	if cfg.MQTT.Broker != "" {
		client, err := notify.DialMQTT(cfg.MQTT.MQTTConfig, cfg.MQTT.ConnectTimeout)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		opts = append(opts, dome.WithPublisher(notify.NewThrottle(client, cfg.MQTT.StatusInterval, cfg.MQTT.StatusRefresh)))
	}
	opts = append(opts, dome.WithNotifier(notifiers))

	var server *Server
	opts = append(opts, dome.WithStatusCallback(func(st dome.Status) { server.statusCallback(st) }))
	d := dome.New(cfg.Driver.Dome, opener, opts...)
	defer d.Close()
	server = NewServer(d, store)

	go connectLoop(ctx, d, *reconnect)

	if cfg.Server.RotctldAddr != "" {
		if err := server.ListenRotctld(ctx, cfg.Server.RotctldAddr); err != nil {
			log.Fatal(err)
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", server.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", server.StatusSocketHandler)
	r.HandleFunc("/api/action", server.ActionHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/events", server.EventsHandler).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.Server.StaticDir)))
	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("Listening on %v", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// connectLoop keeps the driver connected. Recovery after a fault belongs to
// the driver's reset path; this only retries when the link is down.
func connectLoop(ctx context.Context, d *dome.Driver, interval time.Duration) {
	for {
		if !d.Connected() && !d.Resets().Running() {
			if err := d.Connect(ctx); err != nil {
				log.Printf("connecting: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func pruneJournal(ctx context.Context, store *journal.Store, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Printf("pruning journal: %v", err)
		} else if n > 0 {
			log.Printf("pruned %d journal events", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
