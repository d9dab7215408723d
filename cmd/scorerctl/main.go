package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"setup-scorer/internal/cfg"
	"setup-scorer/internal/common"
	"setup-scorer/internal/ml"
	"setup-scorer/internal/storage"
	"setup-scorer/pkg/client"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage: scorerctl <command> [flags]

Commands:
  status   show which strategies have a model artifact
  predict  score one feature record against a running server
  audit    list recorded predictions from the audit store
`

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(os.Args[2:])
	case "predict":
		err = runPredict(os.Args[2:])
	case "audit":
		err = runAudit(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		modelsDir  = fs.String("models", common.DefaultModelsDir, "Directory holding <strategy>_model artifacts")
		strategies = fs.String("strategies", strings.Join(common.DefaultStrategies, ","), "Comma separated strategies")
		python     = fs.String("python", "", "Python interpreter for ONNX artifacts")
		url        = fs.String("url", "", "Also query a running server at this base URL")
		timeout    = fs.Duration("timeout", 5*time.Second, "Request timeout")
	)
	_ = fs.Parse(args)

	formats := ml.DefaultFormats(*python)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tSTATUS\tFORMAT\tPATH\tSHA256\tERROR")
	for _, s := range splitList(*strategies) {
		// Load logs the outcome itself; a missing or corrupt artifact is a row, not a failure.
		model, info, _ := ml.Load(s, *modelsDir, formats...)
		if c, ok := model.(io.Closer); ok {
			_ = c.Close()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s, info.Status, dash(info.Format), info.Path, shortHash(info.SHA256), dash(info.Error))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if *url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	h, err := client.New(*url, "", *timeout).Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Printf("\nserver: %s\n", h.Status)
	for s, ok := range h.ModelsLoaded {
		fmt.Printf("  %-10s loaded=%t\n", s, ok)
	}
	return nil
}

func runPredict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	var (
		url      = fs.String("url", fmt.Sprintf("http://localhost:%d", common.DefaultServerPort), "Server base URL")
		key      = fs.String("key", os.Getenv(common.EnvSecretKey), "API key")
		strategy = fs.String("strategy", common.StrategySwing, "Strategy to score against")
		input    = fs.String("json", "", "Feature record as a JSON object (overrides the feature flags)")
		timeout  = fs.Duration("timeout", 5*time.Second, "Request timeout")

		f client.Features
	)
	fs.Float64Var(&f.ATR, "atr", 0, "Average true range")
	fs.Float64Var(&f.ADX, "adx", 0, "Average directional index")
	fs.Float64Var(&f.Spread, "spread", 0, "Bid/ask spread")
	fs.Float64Var(&f.EMASlope, "ema-slope", 0, "EMA slope")
	fs.Int64Var(&f.Volume, "volume", 0, "Volume")
	fs.Int64Var(&f.Hour, "hour", 0, "Hour of day")
	_ = fs.Parse(args)

	if *input != "" {
		if err := json.Unmarshal([]byte(*input), &f); err != nil {
			return fmt.Errorf("invalid -json: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	p, err := client.New(*url, *key, *timeout).Predict(ctx, *strategy, f)
	if err != nil {
		return err
	}
	fmt.Printf("%.4f\n", p)
	return nil
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	var (
		dataPath = fs.String("data", "", "Data directory holding the audit store (defaults to DATA_PATH)")
		strategy = fs.String("strategy", common.StrategySwing, "Strategy to list")
		since    = fs.Duration("since", 24*time.Hour, "How far back to list")
		count    = fs.Bool("count", false, "Only print the number of stored predictions")
	)
	_ = fs.Parse(args)

	if *dataPath == "" {
		c, err := cfg.Load()
		if err != nil {
			return err
		}
		*dataPath = c.DataPath
	}
	if *dataPath == "" {
		return fmt.Errorf("no data path: pass -data or set %s", common.EnvDataPath)
	}

	store, err := storage.OpenReadOnly(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *count {
		n, err := store.Count(*strategy)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	end := time.Now()
	events, err := store.GetPredictions(*strategy, end.Add(-*since), end)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST\tPROBABILITY\tFALLBACK\tFEATURES")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%t\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.RequestID, ev.Probability, ev.Fallback, ev.Features)
	}
	return w.Flush()
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return dash(h)
}
