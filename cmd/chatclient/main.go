// Command chatclient runs the sync engine against the bundled SQLite
// reference store with a minimal line-oriented UI: every stdin line is sent
// as a message, and the visible sequence re-renders on every store mutation.
//
// Commands: /room <id> switches rooms, /refresh reloads history,
// /delete <id> removes a message, /quit exits.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-client/internal/config"
	"github.com/tbourn/go-chat-client/internal/domain"
	"github.com/tbourn/go-chat-client/internal/genai"
	"github.com/tbourn/go-chat-client/internal/observability"
	"github.com/tbourn/go-chat-client/internal/repo"
	"github.com/tbourn/go-chat-client/internal/services"
	"github.com/tbourn/go-chat-client/internal/sysutil"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(c)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	store := repo.NewStore(db)
	bus := repo.NewBus()

	timeline := services.NewTimelineService(store)
	timeline.PageLimit = cfg.PageLimit
	timeline.Tolerance = cfg.MatchTolerance
	timeline.MaxContentRunes = cfg.MaxContentRunes

	gate := services.NewCooldownGate(cfg.Cooldown)
	responder := services.NewResponderService(store, newGenerator(cfg.Gen), gate, cfg.Mention)
	responder.BotName = sysutil.FirstNonEmpty(cfg.BotName, "bot")
	responder.ContextLimit = cfg.ContextLimit
	responder.Delay = cfg.ResponderDelay
	responder.IncludeAutomated = cfg.IncludeAutomated

	room := services.NewRoomService(store, bus, timeline, responder, cfg.UserID, cfg.UserName)
	room.TypingWindow = cfg.TypingWindow
	room.PresenceTimeout = cfg.PresenceTimeout
	room.SweepInterval = cfg.SweepInterval
	defer room.Close()

	timeline.OnChange(render)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if _, err := room.Open(ctx, cfg.Room); err != nil {
		log.Fatal().Err(err).Str("room", cfg.Room).Msg("open room failed")
	}

	fmt.Printf("joined %s as %s — type to chat, /quit to exit\n", cfg.Room, cfg.UserName)
	runInputLoop(ctx, room)
}

// runInputLoop reads stdin until EOF, /quit, or signal cancellation.
func runInputLoop(ctx context.Context, room *services.RoomService) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/refresh":
			if err := room.Refresh(); err != nil {
				log.Error().Err(err).Msg("refresh failed")
			}
		case strings.HasPrefix(line, "/room "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			if _, err := room.Open(ctx, id); err != nil {
				log.Error().Err(err).Str("room", id).Msg("open room failed")
			}
		case strings.HasPrefix(line, "/delete "):
			id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")), 10, 64)
			if err != nil {
				fmt.Println("usage: /delete <id>")
				continue
			}
			if err := room.Delete(id); err != nil {
				log.Error().Err(err).Int64("id", id).Msg("delete failed")
			}
		default:
			room.Typing()
			errs, err := room.Send(line)
			if err != nil {
				log.Error().Err(err).Msg("send rejected")
				continue
			}
			go func() {
				if err := <-errs; err != nil {
					log.Warn().Err(err).Msg("send failed, message rolled back")
				}
			}()
		}
	}
}

// render prints the visible sequence after every store mutation.
func render(msgs []domain.Message) {
	fmt.Println(strings.Repeat("-", 40))
	for _, m := range msgs {
		marker := ""
		if m.Identity.Pending() {
			marker = " (sending…)"
		}
		if m.Automated {
			marker = " [bot]"
		}
		if m.System {
			marker = " [system]"
		}
		fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Content, marker)
	}
}

func newGenerator(cfg config.GenConfig) genai.Generator {
	if cfg.APIKey == "" {
		return genai.Static{Text: "I'm offline right now, but I heard you!"}
	}
	return genai.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
