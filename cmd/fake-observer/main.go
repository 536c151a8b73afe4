// ABOUTME: Fake device observer for E2E testing: replays focus traces and answers prompts over gRPC
// ABOUTME: Usage: fake-observer [-addr localhost:50061] [-trace FILE | APP_ID...] [-pin 1234 | -biometric]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/applockd/internal/rpc"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// step is one focus event of a trace.
type step struct {
	AppID     string
	ClassName string
	Delay     time.Duration
}

func main() {
	addr := flag.String("addr", "localhost:50061", "gRPC server address")
	token := flag.String("token", os.Getenv("APPLOCKD_TOKEN"), "bearer token")
	tracePath := flag.String("trace", "", "trace file with lines app_id[,class][,delay]")
	interval := flag.Duration("interval", time.Second, "delay between app ids given as arguments")
	pin := flag.String("pin", "", "answer secret prompts with this value")
	biometric := flag.Bool("biometric", false, "answer biometric prompts with success")
	watch := flag.Bool("watch", true, "print engine transitions")
	flag.Parse()

	var steps []step
	switch {
	case *tracePath != "":
		f, err := os.Open(*tracePath)
		if err != nil {
			log.Fatal(err)
		}
		steps, err = parseTrace(f)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}
	default:
		for _, id := range flag.Args() {
			steps = append(steps, step{AppID: id, Delay: *interval})
		}
	}

	if err := run(*addr, *token, steps, *pin, *biometric, *watch); err != nil {
		log.Fatal(err)
	}
}

// parseTrace reads one step per line. Blank lines and lines starting with #
// are skipped; delay defaults to one second.
func parseTrace(r io.Reader) ([]step, error) {
	var steps []step
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		s := step{AppID: strings.TrimSpace(parts[0]), Delay: time.Second}
		if s.AppID == "" {
			return nil, fmt.Errorf("line %d: missing app id", line)
		}
		if len(parts) > 1 {
			s.ClassName = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			d, err := time.ParseDuration(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			s.Delay = d
		}
		if len(parts) > 3 {
			return nil, fmt.Errorf("line %d: too many fields", line)
		}
		steps = append(steps, s)
	}
	return steps, sc.Err()
}

func run(addr, token string, steps []step, pin string, biometric, watch bool) error {
	c, err := rpc.Dial(addr, token)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if pin != "" || biometric {
		g.Go(func() error {
			return c.WatchPrompts(gctx, func(p verifier.Prompt) error {
				return answer(gctx, c, p, pin, biometric)
			})
		})
	}

	if watch {
		g.Go(func() error {
			return c.WatchTransitions(gctx, "", func(r telemetry.Record) error {
				printRecord(r)
				return nil
			})
		})
	}

	g.Go(func() error {
		for _, s := range steps {
			if err := c.ReportFocus(gctx, s.AppID, s.ClassName, time.Time{}); err != nil {
				return fmt.Errorf("report focus %s: %w", s.AppID, err)
			}
			log.Printf("focus %s %s", s.AppID, s.ClassName)
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(s.Delay):
			}
		}
		// Without watchers there is nothing left to do.
		if pin == "" && !biometric && !watch {
			cancel()
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func answer(ctx context.Context, c *rpc.Client, p verifier.Prompt, pin string, biometric bool) error {
	if p.Cancelled {
		log.Printf("prompt %s withdrawn", p.RequestID)
		return nil
	}
	log.Printf("prompt %s for %s (%s)", p.RequestID, p.AppID, p.Kind)

	switch {
	case p.Kind == verifier.KindBiometric && biometric:
		if err := c.ReportBiometric(ctx, p.RequestID, p.Token, true, ""); err != nil {
			log.Printf("report biometric: %v", err)
		}
	case p.Kind.IsSecret() && pin != "":
		ok, remaining, err := c.SubmitSecret(ctx, p.Kind, p.RequestID, p.Token, pin)
		if err != nil {
			log.Printf("submit secret: %v", err)
			return nil
		}
		log.Printf("secret accepted=%v remaining=%d", ok, remaining)
	case p.Kind == verifier.KindBiometric:
		if err := c.ReportBiometric(ctx, p.RequestID, p.Token, false, "dismissed"); err != nil {
			log.Printf("report biometric: %v", err)
		}
	default:
		if err := c.DismissPrompt(ctx, p.Kind, p.RequestID, p.Token); err != nil {
			log.Printf("dismiss: %v", err)
		}
	}
	return nil
}

func printRecord(r telemetry.Record) {
	ts := r.At.Local().Format("15:04:05.000")
	switch {
	case r.From != "" || r.To != "":
		fmt.Fprintf(os.Stderr, "%s %-14s %-28s %s -[%s]-> %s %s\n", ts, r.Kind, r.AppID, r.From, r.Event, r.To, r.Reason)
	default:
		fmt.Fprintf(os.Stderr, "%s %-14s %-28s %s\n", ts, r.Kind, r.AppID, r.Reason)
	}
}
