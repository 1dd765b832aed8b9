package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lectern/db"
	"lectern/pipeline"
	"lectern/search"
	"lectern/snd"
	"lectern/stt"
	"lectern/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listTranscriptsCmd)

	rootCmd.PersistentFlags().
		String("index", "verses.jsonl", "Path to the verse embedding index")
	rootCmd.PersistentFlags().
		String("embedder-url", "http://localhost:8000/embed", "Embedding service URL")
	rootCmd.PersistentFlags().
		String("reranker-model", "", "Cross-encoder model directory (empty disables reranking)")
	rootCmd.PersistentFlags().
		String("engine-cmd", "", "Streaming recognition engine command")
	rootCmd.PersistentFlags().
		String("batch-cmd", "", "Batch recognition engine command (empty disables refinement)")
	rootCmd.PersistentFlags().
		Int("source-rate", 48000, "Capture sample rate of stdin audio")
	rootCmd.PersistentFlags().Int("web-port", 8080, "Web server port")
	rootCmd.PersistentFlags().
		String("db", "lectern.db", "Path to the transcript database")

	viper.BindPFlag("index", rootCmd.PersistentFlags().Lookup("index"))
	viper.BindPFlag(
		"embedder_url",
		rootCmd.PersistentFlags().Lookup("embedder-url"),
	)
	viper.BindPFlag(
		"reranker_model",
		rootCmd.PersistentFlags().Lookup("reranker-model"),
	)
	viper.BindPFlag("engine_cmd", rootCmd.PersistentFlags().Lookup("engine-cmd"))
	viper.BindPFlag("batch_cmd", rootCmd.PersistentFlags().Lookup("batch-cmd"))
	viper.BindPFlag(
		"source_rate",
		rootCmd.PersistentFlags().Lookup("source-rate"),
	)
	viper.BindPFlag("web_port", rootCmd.PersistentFlags().Lookup("web-port"))
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("lectern")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Lectern follows live speech and finds the verses it quotes",
	Long:  `Lectern listens to live speech, transcribes it, and continuously retrieves the scripture passages being quoted or referenced.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe audio from stdin and retrieve verses live",
	Long:  `Reads signed 16-bit little-endian PCM from stdin, streams it through the recognition engine, and broadcasts transcripts and matching verses over the web interface.`,
	Run:   runListen,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the verse index from the command line",
	Args:  cobra.ExactArgs(1),
	Run:   runSearch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server without audio capture",
	Run:   runServe,
}

var listTranscriptsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved transcripts in a table",
	Run:   runListTranscripts,
}

func createLoggers() (mainLogger, hearLogger, findLogger, dataLogger *log.Logger) {
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	hearLogger = logger.With().WithPrefix("hear")
	findLogger = logger.With().WithPrefix("find")
	dataLogger = logger.With().WithPrefix("data")

	return
}

func buildOrchestrator(findLogger *log.Logger) (*search.Orchestrator, error) {
	index, err := search.LoadIndexFile(viper.GetString("index"))
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	findLogger.Info(
		"index loaded",
		"records", index.Len(),
		"dimension", index.Dimension(),
	)

	embedder := search.NewHTTPEmbedder(viper.GetString("embedder_url"))

	reranker := search.NewReranker(
		func(model string) (search.PairScorer, error) {
			return search.NewCrossEncoder(model)
		},
		findLogger,
	)
	if model := viper.GetString("reranker_model"); model != "" {
		if err := reranker.Load(model); err != nil {
			findLogger.Warn(
				"reranker unavailable, serving similarity order",
				"model", model,
				"error", err,
			)
		}
	}

	return search.NewOrchestrator(index, embedder, reranker, findLogger), nil
}

func runListen(cmd *cobra.Command, args []string) {
	mainLogger, hearLogger, findLogger, dataLogger := createLoggers()

	engineCmd := viper.GetString("engine_cmd")
	if engineCmd == "" {
		mainLogger.Fatal("no engine command configured, set --engine-cmd")
	}

	orchestrator, err := buildOrchestrator(findLogger)
	if err != nil {
		mainLogger.Fatal("build retrieval", "error", err.Error())
	}

	store, err := db.Open(viper.GetString("db"))
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()
	dataLogger.Info("database open", "path", viper.GetString("db"))

	hub := web.NewHub(mainLogger)
	handler := web.NewHandler(hub, orchestrator, store, mainLogger)
	go func() {
		if err := handler.Serve(viper.GetInt("web_port")); err != nil {
			mainLogger.Error("web server stopped", "error", err.Error())
		}
	}()

	sourceRate := viper.GetInt("source_rate")
	framer := snd.NewFramer(
		sourceRate,
		snd.DefaultFlushInterval,
		&snd.RealTimeProvider{},
		hearLogger,
	)

	name, engineArgs := splitCommand(engineCmd)
	cfg := pipeline.Config{
		Framer: framer,
		StartRecognizer: func() (pipeline.Recognizer, error) {
			return stt.StartBridge(name, engineArgs, hearLogger)
		},
		Searcher: orchestrator,
		Hub:      hub,
		Store:    store,
		Logger:   mainLogger,
	}

	if batchCmd := viper.GetString("batch_cmd"); batchCmd != "" {
		batchName, batchArgs := splitCommand(batchCmd)
		worker, err := stt.StartBatchWorker(
			batchName, batchArgs, stt.DefaultRequestTimeout, hearLogger,
		)
		if err != nil {
			mainLogger.Fatal("start batch engine", "error", err.Error())
		}
		defer worker.Stop()
		cfg.Batch = worker
	}

	session, err := pipeline.NewSession(cfg)
	if err != nil {
		mainLogger.Fatal("build session", "error", err.Error())
	}
	mainLogger.Info("listening", "session", session.ID(), "rate", sourceRate)

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	go captureStdin(ctx, framer, hearLogger)

	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		mainLogger.Fatal("session ended", "error", err.Error())
	}
	if dropped := framer.Dropped(); dropped > 0 {
		hearLogger.Warn("chunks dropped during session", "count", dropped)
	}
}

// captureStdin reads signed 16-bit little-endian mono PCM from stdin
// and pushes it into the framer until EOF or cancellation.
func captureStdin(ctx context.Context, framer *snd.Framer, logger *log.Logger) {
	capturePCM(ctx, bufio.NewReaderSize(os.Stdin, 1<<16), framer, logger)
}

// capturePCM assembles little-endian int16 samples from r. Reads can
// end on any byte boundary; an odd trailing byte is the low half of
// the next sample and is carried into the following read.
func capturePCM(ctx context.Context, r io.Reader, framer *snd.Framer, logger *log.Logger) {
	buf := make([]byte, 8192)
	leftover := 0
	for ctx.Err() == nil {
		n, err := r.Read(buf[leftover:])
		n += leftover
		leftover = 0
		if n > 1 {
			samples := make([]float32, n/2)
			for i := range samples {
				s := int16(binary.LittleEndian.Uint16(buf[2*i:]))
				samples[i] = float32(s) / 32767
			}
			framer.Push(samples, 1)
		}
		if n%2 == 1 {
			buf[0] = buf[n-1]
			leftover = 1
		}
		if err != nil {
			if err != io.EOF {
				logger.Error("stdin read", "error", err.Error())
			}
			framer.Flush()
			framer.Close()
			return
		}
	}
}

func splitCommand(s string) (string, []string) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func runSearch(cmd *cobra.Command, args []string) {
	mainLogger, _, findLogger, _ := createLoggers()

	orchestrator, err := buildOrchestrator(findLogger)
	if err != nil {
		mainLogger.Fatal("build retrieval", "error", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ranking, err := orchestrator.Search(ctx, args[0], 5)
	if err != nil {
		mainLogger.Fatal("search", "error", err.Error())
	}

	if len(ranking.Results) == 0 {
		fmt.Println("No verses found.")
		return
	}
	if ranking.Degraded {
		fmt.Println("(reranker unavailable, showing similarity order)")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Score", "Similarity", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, res := range ranking.Results {
		table.Append([]string{
			res.Candidate.ID,
			fmt.Sprintf("%.4f", res.Score),
			fmt.Sprintf("%.4f", res.OriginalScore),
			res.Candidate.Text,
		})
	}

	table.Render()
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, _, findLogger, dataLogger := createLoggers()

	orchestrator, err := buildOrchestrator(findLogger)
	if err != nil {
		mainLogger.Fatal("build retrieval", "error", err.Error())
	}

	store, err := db.Open(viper.GetString("db"))
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()
	dataLogger.Info("database open", "path", viper.GetString("db"))

	hub := web.NewHub(mainLogger)
	handler := web.NewHandler(hub, orchestrator, store, mainLogger)
	if err := handler.Serve(viper.GetInt("web_port")); err != nil {
		mainLogger.Fatal("web server", "error", err.Error())
	}
}

func runListTranscripts(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger := createLoggers()

	store, err := db.Open(viper.GetString("db"))
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	transcripts, err := store.RecentTranscripts(context.Background(), 100)
	if err != nil {
		mainLogger.Fatal("fetch transcripts", "error", err.Error())
	}
	dataLogger.Debug("transcripts fetched", "count", len(transcripts))

	if len(transcripts) == 0 {
		fmt.Println("No transcripts found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Engine", "Session", "Text"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, t := range transcripts {
		session := t.Session
		if len(session) > 8 {
			session = session[:8]
		}
		table.Append([]string{
			fmt.Sprintf("%d", t.ID),
			t.CreatedAt.Format("2006-01-02 15:04:05"),
			t.Engine,
			session,
			t.Text,
		})
	}

	table.Render()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
