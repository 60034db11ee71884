// The agent is a headless telecall client: it announces an identity to the
// relay, rings on incoming calls (auto-answering when asked to), and can
// place an outgoing call. It exercises the full client stack without a UI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/carebridge/telecall/internal/call"
	"github.com/carebridge/telecall/internal/config"
	"github.com/carebridge/telecall/internal/domain"
	"github.com/carebridge/telecall/internal/media"
	"github.com/carebridge/telecall/internal/rtc"
	"github.com/carebridge/telecall/internal/signaling"
)

func main() {
	var (
		userID      = pflag.String("user", "", "user id to announce (required)")
		role        = pflag.String("role", string(domain.RolePatient), "role: patient or clinician")
		displayName = pflag.String("name", "", "display name to announce")
		callTarget  = pflag.String("call", "", "user id to call after announcing")
		consultRef  = pflag.String("consultation", "", "appointment record reference for the call")
		autoAnswer  = pflag.Bool("auto-answer", false, "answer incoming calls automatically")
	)
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if *userID == "" {
		log.Fatal().Msg("--user is required")
	}
	name := *displayName
	if name == "" {
		name = *userID
	}
	self := domain.User{
		ID:          domain.UserID(*userID),
		Role:        domain.Role(*role),
		DisplayName: name,
	}

	devices := media.NewController()
	defer devices.Release()

	channel := call.NewChannel(cfg.Client.RelayURL)
	newEngine := func() (call.Engine, error) {
		return rtc.NewEngine(rtc.Config{
			ICEServers: cfg.Client.ICEServers,
			Codec:      devices.CodecSelector(),
		})
	}

	machine := call.NewMachine(call.Config{
		Self:        self,
		RingTimeout: cfg.Client.RingPeriod,
	}, channel, devices, newEngine)

	machine.OnStateChange(func(sc call.StateChange) {
		ev := log.Info().Str("state", string(sc.State)).Str("reason", sc.Reason)
		if sc.Session != nil {
			ev = ev.Str("session", string(sc.Session.ID)).Str("peer", string(sc.Session.Remote.ID))
		}
		ev.Msg("call state")

		if *autoAnswer && sc.State == domain.StateRinging {
			go func() {
				if err := machine.Answer(ctx); err != nil {
					log.Error().Err(err).Msg("auto-answer failed")
				}
			}()
		}
	})
	machine.OnRemoteStream(func(rs *rtc.RemoteStream) {
		log.Info().Int("tracks", len(rs.Tracks())).Msg("remote media flowing")
	})

	channel.OnMessage(machine.HandleFrame)
	channel.OnDisconnect(machine.HandleTransportDown)

	if err := channel.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("relay", cfg.Client.RelayURL).Msg("relay unreachable")
	}
	defer channel.Close()

	if err := channel.Announce(signaling.Announce{
		UserID:      self.ID,
		Role:        self.Role,
		DisplayName: self.DisplayName,
	}); err != nil {
		log.Fatal().Err(err).Msg("announce failed")
	}
	log.Info().Str("user", string(self.ID)).Str("role", string(self.Role)).Msg("announced")

	if *callTarget != "" {
		target := domain.User{ID: domain.UserID(*callTarget)}
		if err := machine.PlaceCall(ctx, target, domain.CallKindVideo, *consultRef); err != nil {
			log.Fatal().Err(err).Str("target", *callTarget).Msg("place call failed")
		}
	}

	<-ctx.Done()
	machine.Shutdown()
	log.Info().Msg("agent exited")
}
