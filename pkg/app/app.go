package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/danswartzendruber/liner"
	"github.com/goforj/godump"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/zurustar/mmscript/pkg/cli"
	"github.com/zurustar/mmscript/pkg/config"
	"github.com/zurustar/mmscript/pkg/logger"
	"github.com/zurustar/mmscript/pkg/runner"
	"github.com/zurustar/mmscript/pkg/script"
	"github.com/zurustar/mmscript/pkg/servo"
	"github.com/zurustar/mmscript/pkg/sim"
	"github.com/zurustar/mmscript/pkg/vm"
)

// Application はアプリケーションのメインロジックを管理する
type Application struct {
	config   *cli.Config
	settings *config.Config
	log      *slog.Logger
	logClose io.Closer

	stdin  io.Reader
	stdout io.Writer
	bus    servo.Bus // nilの場合は設定ファイルからシミュレータを構築

	interp *vm.Interpreter
	host   *consoleHost

	openPrompt func() prompter // nilの場合、端末ならlinerを使う
}

// prompter 端末からの行入力
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

func newLinerPrompt() prompter {
	l := liner.NewLiner()
	l.SetMultiLineMode(false)
	return l
}

// Option Applicationの設定
type Option func(*Application)

// WithIO 標準入出力を差し替える
func WithIO(in io.Reader, out io.Writer) Option {
	return func(app *Application) {
		app.stdin = in
		app.stdout = out
	}
}

// WithBus サーボバスを差し替える
func WithBus(bus servo.Bus) Option {
	return func(app *Application) {
		app.bus = bus
	}
}

// New Applicationを作成
func New(opts ...Option) *Application {
	app := &Application{
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(app)
	}
	// ログとコールバックの出力が混ざらないよう書き込みを直列化
	app.stdout = &syncWriter{w: app.stdout}
	return app
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Run アプリケーションを実行
func (app *Application) Run(args []string) error {
	// 1. コマンドライン引数の解析
	if err := app.parseArgs(args); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if app.config.ShowHelp {
		cli.PrintHelp()
		return nil
	}
	if app.config.ScriptPath == "" {
		return errors.New("no script given (see --help)")
	}

	// 2. 設定ファイルの読み込み（フラグが優先）
	if err := app.loadSettings(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ロガーの初期化
	if err := app.initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer app.logClose.Close()

	app.log.Info("Application started", "script", app.config.ScriptPath)

	// 4. スクリプトファイルの読み込み
	src, err := app.loadScript()
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	app.log.Info("Script file", "name", src.FileName, "size", src.Size, "encoding", src.Encoding)

	// 5. インタプリタの構築と解析
	if app.bus == nil {
		app.bus = sim.New(append(app.settings.SimOptions(), sim.WithLogger(app.log))...)
	}
	app.interp = vm.New(app.bus, vm.WithBackoff(app.settings.Backoff), vm.WithLogger(app.log))
	app.host = newConsoleHost(app.stdout, app.log, app.interp)

	rn := runner.New(app.interp, app.host,
		runner.WithResetVariables(app.settings.ResetVariables),
		runner.WithStepLimit(app.settings.StepLimit),
		runner.WithLogger(app.log),
	)
	start, err := rn.Load(src.Content)
	if err != nil {
		fmt.Fprintf(app.stdout, "Error when executing script: '%d'\n", vm.CodeOf(err))
		return fmt.Errorf("failed to parse script: %w", err)
	}
	app.log.Info("Script parsed", "start", start, "lines", len(app.interp.Lines()))

	// 6. 行テーブルの表示
	if app.config.Dump {
		app.dump()
		return nil
	}

	// 7. 実行
	return app.execute(rn)
}

// parseArgs コマンドライン引数を解析
func (app *Application) parseArgs(args []string) error {
	config, err := cli.ParseArgs(args)
	if err != nil {
		return err
	}
	app.config = config
	return nil
}

// loadSettings 設定ファイルを読み込み、明示されたフラグで上書きする
func (app *Application) loadSettings() error {
	settings := config.Default()
	if app.config.ConfigPath != "" {
		loaded, err := config.Load(app.config.ConfigPath)
		if err != nil {
			return err
		}
		settings = loaded
	}

	set := app.config.Set
	if set["log-level"] || app.config.ConfigPath == "" {
		settings.LogLevel = app.config.LogLevel
	}
	if set["encoding"] {
		settings.Encoding = app.config.Encoding
	}
	if set["backoff"] && app.config.Backoff > 0 {
		settings.Backoff = app.config.Backoff
	}
	if set["step-limit"] {
		settings.StepLimit = app.config.StepLimit
	}
	if set["reset-vars"] {
		settings.ResetVariables = app.config.ResetVars
	}
	app.settings = settings
	return nil
}

// initLogger ロガーを初期化
func (app *Application) initLogger() error {
	closer, err := logger.Setup(logger.Options{
		Level:   app.settings.LogLevel,
		Output:  app.stdout,
		LogFile: app.config.LogFile,
		Journal: app.config.Journal,
	})
	if err != nil {
		return err
	}
	app.logClose = closer
	app.log = logger.GetLogger()
	return nil
}

// loadScript スクリプトファイルを読み込む
func (app *Application) loadScript() (*script.Script, error) {
	loader, err := script.NewLoader(app.settings.Encoding)
	if err != nil {
		return nil, err
	}
	return loader.Load(app.config.ScriptPath)
}

// dumpRow 行テーブルの表示用
type dumpRow struct {
	Row   int
	Label int16
	Text  string
}

// dump 解析済みの行テーブルを表示
func (app *Application) dump() {
	var rows []dumpRow
	for i, l := range app.interp.Lines() {
		if l.Blank() {
			continue
		}
		rows = append(rows, dumpRow{Row: i + 1, Label: l.Label, Text: l.Text})
	}
	godump.Fdump(app.stdout, rows)

	if dups := app.interp.DuplicateLabels(); len(dups) > 0 {
		fmt.Fprintf(app.stdout, "duplicate labels: %v\n", dups)
	}
}

// execute ワーカーとキー操作を並行して動かし、終了を待つ
func (app *Application) execute(rn *runner.Runner) error {
	ctx := context.Background()
	if app.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, app.config.Timeout)
		defer cancel()
	}

	if err := rn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start script: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	ctlCtx, stopControl := context.WithCancel(gctx)
	defer stopControl()

	var res runner.Result
	g.Go(func() error {
		res = rn.Wait()
		stopControl()
		return nil
	})
	if app.config.Interactive {
		g.Go(func() error {
			app.controlLoop(ctlCtx, rn)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return app.finish(res)
}

// finish 実行結果を表示し、停止した場合は全ノードを止める
func (app *Application) finish(res runner.Result) error {
	app.log.Info("Run finished", "run_id", res.RunID, "steps", res.Steps, "stopped", res.Stopped)

	if res.Stopped {
		if resp := app.bus.GlobalStop(context.Background()); resp != servo.RespSuccess {
			fmt.Fprintf(app.stdout, "Error when invoking API: 0x%02x, node: 0x%02x\n", uint8(resp), 0xff)
		}
	}

	var serr *vm.ScriptError
	switch {
	case errors.As(res.Err, &serr):
		fmt.Fprintf(app.stdout, "Error when executing script: '%d'\n", res.Last)
		return fmt.Errorf("script failed: %w", res.Err)
	case res.Err != nil:
		app.log.Warn("Run ended early", "reason", res.Err)
	}
	fmt.Fprintln(app.stdout, "Script execution finished.")
	return nil
}

// controlLoop 1行1コマンドで一時停止(p)・再開(r)・停止(s)を受け付ける
func (app *Application) controlLoop(ctx context.Context, rn *runner.Runner) {
	open := app.openPrompt
	if f, ok := app.stdin.(*os.File); ok && open == nil && term.IsTerminal(int(f.Fd())) {
		open = newLinerPrompt
	}
	interactive := open != nil
	if interactive {
		fmt.Fprintln(app.stdout, "Keys: p=pause r=resume s=stop (then Enter)")
	}

	lines := make(chan string)
	readerDone := make(chan struct{})
	go func() {
		// 標準入力の読み込みは中断できないため、ループとは別に動かす
		defer close(readerDone)
		read := scanLines(app.stdin)
		if interactive {
			// プロンプトの生成からCloseまでをこのgoroutineで行う
			p := open()
			defer p.Close()
			read = promptLines(p)
		}
		for {
			s, ok := read()
			if !ok {
				return
			}
			select {
			case lines <- strings.TrimSpace(s):
			case <-ctx.Done():
				return
			}
		}
	}()

	if interactive {
		// 端末をrawモードのまま残さないよう、入力中のプロンプトが終わるのを待つ
		defer func() {
			select {
			case <-readerDone:
			default:
				fmt.Fprintln(app.stdout, "Press Enter to exit.")
				<-readerDone
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-lines:
			switch strings.ToLower(cmd) {
			case "p", "pause":
				rn.Pause()
				app.log.Info("Pause requested", "label", app.host.Current())
			case "r", "resume":
				rn.Resume()
				app.log.Info("Resumed")
			case "s", "stop":
				rn.Stop()
				app.log.Info("Stopped", "label", app.host.Current())
				return
			case "":
			default:
				fmt.Fprintf(app.stdout, "unknown command %q\n", cmd)
			}
		}
	}
}

// scanLines 端末以外の入力を1行ずつ返す
func scanLines(r io.Reader) func() (string, bool) {
	sc := bufio.NewScanner(r)
	return func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}
}

// promptLines 端末から履歴付きで1行ずつ読む
func promptLines(p prompter) func() (string, bool) {
	return func() (string, bool) {
		s, err := p.Prompt("> ")
		if err != nil {
			return "", false
		}
		if strings.TrimSpace(s) != "" {
			p.AppendHistory(s)
		}
		return s, true
	}
}
