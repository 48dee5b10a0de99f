package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adverant/nexus/readout-worker/internal/config"
	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
	"github.com/adverant/nexus/readout-worker/internal/queue"
	"github.com/adverant/nexus/readout-worker/internal/storage"
)

type options struct {
	imagePath    string
	profile      string
	profilesFile string
	engines      bool

	// single-backend request, used when no profile is given
	engine    string
	digits    int
	language  string
	psm       int
	threshold float64
	search    bool
	charset   string
	length    int
	numeric   string

	timeout      time.Duration
	remote       bool
	queueBackend string
	redisURL     string
	queue        string
	verbose      bool
}

// remoteRecognizer is a worker reached through a queue
type remoteRecognizer interface {
	Recognize(ctx context.Context, req *processor.RecognizeRequest) (*processor.Response, error)
	Close() error
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "readout: %v\n", err)
		os.Exit(2)
	}

	resp, err := run(opts, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "readout: %v\n", err)
		os.Exit(1)
	}
	if resp != nil && !resp.OK {
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("readout", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: readout [flags] <image|->\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.profile, "profile", "", "Instrument profile name")
	fs.StringVar(&opts.profilesFile, "profiles", os.Getenv("PROFILES_FILE"), "JSON file with instrument profiles")
	fs.BoolVar(&opts.engines, "engines", false, "List installed engines and exit")
	fs.StringVar(&opts.engine, "engine", string(processor.EngineSSOCR), "Engine when no profile is given: ssocr, tesseract, gosseract, vision")
	fs.IntVar(&opts.digits, "digits", 0, "Number of digits to expect (ssocr)")
	fs.StringVar(&opts.language, "lang", "", "Tesseract language or model, e.g. letsgodigital")
	fs.IntVar(&opts.psm, "psm", 0, "Tesseract page segmentation mode")
	fs.Float64Var(&opts.threshold, "threshold", 0, "ssocr threshold in percent")
	fs.BoolVar(&opts.search, "search", false, "Search the ssocr threshold instead of a single value")
	fs.StringVar(&opts.charset, "charset", "", "Accepted characters: digits, signed, decimal, hex, alphanumeric")
	fs.IntVar(&opts.length, "length", 0, "Exact number of characters to accept")
	fs.StringVar(&opts.numeric, "numeric", "", "Parse the text as int or float")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Overall recognition timeout")
	fs.BoolVar(&opts.remote, "remote", false, "Send the request to a worker through Redis")
	fs.StringVar(&opts.queueBackend, "queue-backend", config.QueueRedis, "Queue protocol for -remote: redis or asynq")
	fs.StringVar(&opts.redisURL, "redis", "redis://localhost:6379", "Redis URL for -remote")
	fs.StringVar(&opts.queue, "queue", queue.DefaultQueueName, "Queue name for -remote")
	fs.BoolVar(&opts.verbose, "v", false, "Log recognition attempts to stderr")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.queueBackend != config.QueueRedis && opts.queueBackend != config.QueueAsynq {
		return options{}, fmt.Errorf("-queue-backend must be %s or %s, got %q", config.QueueRedis, config.QueueAsynq, opts.queueBackend)
	}
	if opts.engines {
		return opts, nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, fmt.Errorf("missing image path")
	}
	opts.imagePath = fs.Arg(0)
	return opts, nil
}

// buildRequest turns the flags into a recognition request. "-" reads the image from stdin.
func buildRequest(opts options, stdin io.Reader) (*processor.RecognizeRequest, error) {
	req := &processor.RecognizeRequest{Profile: opts.profile}
	if opts.timeout > 0 {
		req.TimeoutMs = opts.timeout.Milliseconds()
	}

	if opts.imagePath == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read image from stdin: %w", err)
		}
		req.Image = processor.NewImageFromBytes(data, "")
	} else if opts.remote {
		// the worker may not share our filesystem
		data, err := os.ReadFile(opts.imagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		req.Image = processor.NewImageFromBytes(data, processor.FormatFromName(opts.imagePath))
	} else {
		req.Image = processor.NewImageFromFile(opts.imagePath)
	}

	if opts.profile == "" {
		bc := processor.BackendConfig{
			Engine:    processor.EngineKind(opts.engine),
			Digits:    opts.digits,
			Language:  opts.language,
			PSM:       opts.psm,
			Threshold: opts.threshold,
		}
		if bc.Engine == processor.EngineSSOCR && !opts.search {
			// a single threshold, no search
			initial := opts.threshold
			if initial == 0 {
				initial = processor.DefaultSearchConfig().Initial
			}
			bc.Search = &processor.SearchConfig{Initial: initial, Step: 0, MaxIterations: 1, Min: 0, Max: 100}
		}
		req.Backends = []processor.BackendConfig{bc}
	}

	if opts.charset != "" || opts.length > 0 || opts.numeric != "" {
		req.Rule = &processor.ValidationRule{
			Charset:     processor.Charset(opts.charset),
			ExactLength: opts.length,
			Numeric:     processor.NumericKind(opts.numeric),
		}
	}
	return req, nil
}

func newRemote(opts options) (remoteRecognizer, error) {
	if opts.queueBackend == config.QueueAsynq {
		return queue.NewAsynqClient(queue.AsynqClientConfig{RedisURL: opts.redisURL, QueueName: opts.queue})
	}
	return queue.NewRedisClient(queue.RedisClientConfig{RedisURL: opts.redisURL, QueueName: opts.queue})
}

func run(opts options, stdin io.Reader, stdout io.Writer) (*processor.Response, error) {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel("error")
	if opts.verbose {
		level = logging.ParseLevel("debug")
	}
	logger := logging.New("readout", os.Stderr, level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if opts.remote {
		if opts.engines {
			return nil, fmt.Errorf("-engines is not available with -remote")
		}
		req, err := buildRequest(opts, stdin)
		if err != nil {
			return nil, err
		}
		client, err := newRemote(opts)
		if err != nil {
			return nil, err
		}
		defer client.Close()

		resp, err := client.Recognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, enc.Encode(resp)
	}

	registry, err := processor.NewEngineRegistry(processor.EngineOptions{
		SSOCRPath:      cfg.SSOCRPath,
		TesseractPath:  cfg.TesseractPath,
		TessdataPrefix: cfg.TessdataPrefix,
		TempDir:        cfg.TempDir,
	})
	if err != nil {
		return nil, err
	}
	if opts.engines {
		return nil, enc.Encode(registry.Describe(ctx))
	}

	var profiles processor.ProfileStore
	if opts.profilesFile != "" {
		store, err := storage.LoadProfilesFile(opts.profilesFile)
		if err != nil {
			return nil, err
		}
		profiles = store
	}

	recognizer, err := processor.NewRecognizer(&processor.RecognizerConfig{
		Backends:           registry,
		Profiles:           profiles,
		Logger:             logger,
		DefaultTimeout:     cfg.DefaultTimeout,
		DefaultCallTimeout: cfg.DefaultCallTimeout,
		MaxImageSize:       cfg.MaxImageSize,
	})
	if err != nil {
		return nil, err
	}

	req, err := buildRequest(opts, stdin)
	if err != nil {
		return nil, err
	}
	resp := processor.Run(ctx, recognizer, req)
	return resp, enc.Encode(resp)
}
