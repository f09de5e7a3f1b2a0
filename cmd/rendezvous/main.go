// Command rendezvous is a terminal participant. It finds a partner through
// the waiting pool, or joins a group room by hash, and then relays chat
// between stdin and stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/netbus"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/rooms"
	"github.com/whisper/rendezvous/internal/session"
)

type options struct {
	name       string
	affinity   string
	room       string
	createRoom string
	public     bool
	maxUsers   int
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("rendezvous", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.name, "name", "n", "Anonymous", "display name shown to partners")
	flagSet.StringVarP(&opts.affinity, "affinity", "a", "", "affinity tag preferred when matching")
	flagSet.StringVarP(&opts.room, "room", "r", "", "join the group room with this 6-character hash")
	flagSet.StringVar(&opts.createRoom, "create-room", "", "create a group room with this name and join it")
	flagSet.BoolVar(&opts.public, "public", false, "list the created room publicly")
	flagSet.IntVar(&opts.maxUsers, "max-users", cfg.GroupMaxOccupancy, "capacity of the created room")
	flagSet.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL")
	flagSet.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	flagSet.StringVar(&cfg.RoomStore, "room-store", cfg.RoomStore, "room directory backend (redis or postgres)")
	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL for --room-store=postgres")
	flagSet.DurationVar(&cfg.MatchTimeout, "timeout", cfg.MatchTimeout, "how long to search for a partner")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.room != "" && opts.createRoom != "" {
		return fmt.Errorf("--room and --create-room are mutually exclusive")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.LogLevel, cfg.LogFormat = opts.logLevel, "console"
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "rendezvous-cli"
	nc, err := messaging.Connect(natsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	b := netbus.New(nc, presence.NewStore(rdb),
		netbus.WithTTL(cfg.PresenceTTL),
		netbus.WithHeartbeat(cfg.PresenceHeartbeat),
	)
	p := &peer{
		id:  uuid.NewString(),
		cfg: cfg,
		rdb: rdb,
		bus: b,
		out: os.Stdout,
	}

	var sessionID string
	capacity := cfg.SessionMaxOccupancy
	switch {
	case opts.room != "" || opts.createRoom != "":
		room, err := p.resolveRoom(ctx, opts)
		if err != nil {
			return err
		}
		sessionID, capacity = room.ID, room.MaxUsers
		p.printf("* joined room %q (%s), share code %s\n", room.Name, room.ID, room.Hash)
	default:
		p.printf("* searching for a partner for up to %s...\n", cfg.MatchTimeout)
		coord := matching.NewCoordinator(b, matching.WithConfig(cfg.Matching()))
		sessionID, err = coord.RequestMatch(ctx, protocol.WaitingParticipant{
			ID:          p.id,
			DisplayName: opts.name,
			Affinity:    opts.affinity,
		})
		if errors.Is(err, matching.ErrNoMatchFound) {
			p.printf("* no partner found, try again later\n")
			return nil
		}
		if err != nil {
			return err
		}
		p.printf("* matched in session %s\n", sessionID)
	}

	chatCtx, endChat := context.WithCancel(ctx)
	defer endChat()

	tr, err := session.Attach(ctx, b, sessionID, protocol.SessionParticipant{
		ID:          p.id,
		DisplayName: opts.name,
		Affinity:    opts.affinity,
	},
		session.WithMaxOccupancy(capacity),
		session.WithReconnect(cfg.Reconnect()),
		session.WithPeerChange(p.onPeer),
		session.WithOverflow(p.onOverflow(capacity, endChat)),
		session.WithMessages(p.onMessage),
		session.WithConnectionState(func(cs bus.ConnectionState) {
			if cs != bus.Connected {
				p.printf("* connection %s\n", cs)
			}
		}),
	)
	if err != nil {
		return err
	}
	p.printf("* type a message and press enter, /quit to leave\n")

	p.chat(chatCtx, tr, os.Stdin)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.SendLeaveNotice(leaveCtx); err != nil {
		log.Debug().Err(err).Msg("leave notice not sent")
	}
	return tr.Leave()
}

// peer prints session events for the terminal user.
type peer struct {
	id  string
	cfg *config.Config
	rdb *redis.Client
	bus bus.MessageBus
	out io.Writer
}

func (p *peer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

// onOverflow returns the overflow callback. The latest entrants leave on
// their own; earlier ones wait for the roster to recover.
func (p *peer) onOverflow(capacity int, leave func()) session.OverflowFunc {
	return func(n int, excess bool) {
		if excess {
			p.printf("* session holds %d participants but allows %d, you joined last and are leaving\n", n, capacity)
			leave()
			return
		}
		p.printf("* session holds %d participants but allows %d, waiting for late entrants to leave\n", n, capacity)
	}
}

func (p *peer) resolveRoom(ctx context.Context, opts options) (*rooms.Room, error) {
	dir, closeDir, err := rooms.Open(p.cfg.RoomStore, p.rdb, p.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeDir() }()

	if opts.createRoom != "" {
		return dir.Create(ctx, rooms.CreateParams{
			Name:      opts.createRoom,
			MaxUsers:  opts.maxUsers,
			IsPublic:  opts.public,
			CreatedBy: p.id,
		})
	}

	if !rooms.IsValidHash(opts.room) {
		return nil, fmt.Errorf("%w: %q", rooms.ErrInvalidHash, opts.room)
	}
	room, err := dir.Join(ctx, opts.room)
	if err != nil {
		return nil, err
	}
	prober := rooms.NewProber(p.bus, rooms.WithProbeTimeout(p.cfg.RoomProbeTimeout))
	if !prober.CanJoin(ctx, *room) {
		return nil, fmt.Errorf("room %s is full", room.Hash)
	}
	return room, nil
}

func (p *peer) onPeer(sp *protocol.SessionParticipant) {
	if sp == nil {
		p.printf("* partner left\n")
		return
	}
	if sp.Affinity != "" {
		p.printf("* partner: %s (%s)\n", sp.DisplayName, sp.Affinity)
		return
	}
	p.printf("* partner: %s\n", sp.DisplayName)
}

func (p *peer) onMessage(ev chat.Event) {
	if ev.Kind == chat.KindSystem {
		p.printf("* %s\n", ev.Content)
		return
	}
	ts := time.UnixMilli(ev.CreatedAt).Format("15:04")
	p.printf("[%s] %s: %s\n", ts, ev.Sender.Name, ev.Content)
}

// chat sends every line read from in until /quit, EOF or cancellation.
func (p *peer) chat(ctx context.Context, tr *session.Tracker, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "/quit" {
				return
			}
			if line == "" {
				continue
			}
			if _, err := tr.SendMessage(ctx, line); err != nil {
				p.printf("* not sent: %v\n", err)
			}
		}
	}
}
