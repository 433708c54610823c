package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はコマンドライン引数から解析された設定を保持する
type Config struct {
	ScriptPath  string        // スクリプトファイルのパス
	ConfigPath  string        // CUE設定ファイルのパス（空は未使用）
	Encoding    string        // スクリプトの文字コード（空は設定ファイルまたはutf-8）
	Timeout     time.Duration // タイムアウト時間（0は無制限）
	Backoff     time.Duration // リトライ間隔（0は既定値）
	StepLimit   int           // 実行ステップ数の上限（0は無制限）
	LogLevel    string        // ログレベル（debug, info, warn, error）
	LogFile     string        // JSONログの出力先
	Journal     bool          // systemd journalへ出力
	ResetVars   bool          // 実行ごとに変数A〜Zを0にする
	Dump        bool          // 行テーブルを表示して終了
	Interactive bool          // 端末からp/r/sキーで一時停止・再開・停止
	ShowHelp    bool          // ヘルプ表示フラグ

	// Set は明示的に指定されたフラグ名（長い形式）の集合
	// 設定ファイルの値より優先するかの判定に使う
	Set map[string]bool
}

// boolFlags 値を取らないフラグ
var boolFlags = map[string]bool{
	"-h": true, "--help": true, "-help": true,
	"--journal": true, "-journal": true,
	"--dump": true, "-dump": true,
	"--reset-vars": true, "-reset-vars": true,
	"-i": true, "--interactive": true, "-interactive": true,
}

// shortNames 短縮形から長い形式への対応
var shortNames = map[string]string{
	"t": "timeout",
	"l": "log-level",
	"c": "config",
	"e": "encoding",
	"i": "interactive",
	"h": "help",
}

// ParseArgs コマンドライン引数を解析してConfigを返す
func ParseArgs(args []string) (*Config, error) {
	// 引数を並べ替え：フラグを前に、位置引数を後ろに
	reorderedArgs := reorderArgs(args)

	fs := flag.NewFlagSet("mmscript", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	config := &Config{Set: make(map[string]bool)}

	var timeoutSec int
	fs.IntVar(&timeoutSec, "timeout", 0, "タイムアウト時間（秒）")
	fs.IntVar(&timeoutSec, "t", 0, "タイムアウト時間（秒）（短縮形）")
	fs.StringVar(&config.LogLevel, "log-level", "info", "ログレベル（debug, info, warn, error）")
	fs.StringVar(&config.LogLevel, "l", "info", "ログレベル（短縮形）")
	fs.StringVar(&config.ConfigPath, "config", "", "CUE設定ファイル")
	fs.StringVar(&config.ConfigPath, "c", "", "CUE設定ファイル（短縮形）")
	fs.StringVar(&config.Encoding, "encoding", "", "スクリプトの文字コード")
	fs.StringVar(&config.Encoding, "e", "", "スクリプトの文字コード（短縮形）")
	fs.DurationVar(&config.Backoff, "backoff", 0, "リトライ間隔（例: 100ms）")
	fs.IntVar(&config.StepLimit, "step-limit", 0, "実行ステップ数の上限")
	fs.StringVar(&config.LogFile, "log-file", "", "JSONログの出力先ファイル")
	fs.BoolVar(&config.Journal, "journal", false, "systemd journalへ出力")
	fs.BoolVar(&config.ResetVars, "reset-vars", false, "実行前に変数を0にする")
	fs.BoolVar(&config.Dump, "dump", false, "行テーブルを表示して終了")
	fs.BoolVar(&config.Interactive, "interactive", false, "キー操作で一時停止・再開・停止")
	fs.BoolVar(&config.Interactive, "i", false, "キー操作（短縮形）")
	fs.BoolVar(&config.ShowHelp, "help", false, "ヘルプを表示")
	fs.BoolVar(&config.ShowHelp, "h", false, "ヘルプを表示（短縮形）")

	if err := fs.Parse(reorderedArgs); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if long, ok := shortNames[name]; ok {
			name = long
		}
		config.Set[name] = true
	})

	// 環境変数からタイムアウトを取得（コマンドラインフラグが優先）
	if timeoutSec == 0 {
		if timeoutEnv := os.Getenv("TIMEOUT"); timeoutEnv != "" {
			if t, err := strconv.Atoi(timeoutEnv); err == nil && t > 0 {
				timeoutSec = t
			}
		}
	}

	// 環境変数からログレベルを取得（コマンドラインフラグが優先）
	if !config.Set["log-level"] {
		if logLevelEnv := os.Getenv("LOG_LEVEL"); logLevelEnv != "" {
			config.LogLevel = strings.ToLower(logLevelEnv)
			config.Set["log-level"] = true
		}
	}

	// 環境変数から設定ファイルを取得
	if config.ConfigPath == "" {
		config.ConfigPath = os.Getenv("MMSCRIPT_CONFIG")
	}

	// タイムアウトの検証
	if timeoutSec < 0 {
		return nil, fmt.Errorf("timeout must be non-negative, got %d", timeoutSec)
	}
	config.Timeout = time.Duration(timeoutSec) * time.Second

	if config.Backoff < 0 {
		return nil, fmt.Errorf("backoff must be non-negative, got %v", config.Backoff)
	}
	if config.StepLimit < 0 {
		return nil, fmt.Errorf("step limit must be non-negative, got %d", config.StepLimit)
	}

	// ログレベルの検証
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.LogLevel)
	}

	// 位置引数（スクリプトファイルのパス）
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("only one script may be given, got %d", fs.NArg())
	}
	if fs.NArg() == 1 {
		config.ScriptPath = fs.Arg(0)
	}

	return config, nil
}

// reorderArgs 引数を並べ替えて、フラグを前に、位置引数を後ろに配置する
func reorderArgs(args []string) []string {
	var flags []string
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// フラグかどうかを判定（-または--で始まる）
		if len(arg) > 0 && arg[0] == '-' {
			flags = append(flags, arg)

			// -t 5 のように値が続く場合は一緒に移動（-name=value形式は対象外）
			if strings.Contains(arg, "=") || boolFlags[arg] {
				continue
			}
			if i+1 < len(args) && len(args[i+1]) > 0 && args[i+1][0] != '-' {
				i++
				flags = append(flags, args[i])
			}
		} else {
			// 位置引数
			positional = append(positional, arg)
		}
	}

	// フラグを前に、位置引数を後ろに配置
	return append(flags, positional...)
}

// PrintHelp ヘルプメッセージを表示
func PrintHelp() {
	fmt.Fprintf(os.Stdout, `mmscript - Servo control script runner

Usage:
  mmscript [options] <script>

Arguments:
  script        実行するスクリプトファイル（1行1命令、"label: command"形式）

Options:
  -c, --config <file>         CUE設定ファイル（ノード定義、既定値の上書き）
  -e, --encoding <name>       スクリプトの文字コード: utf-8, shift_jis, gbk など（デフォルト: utf-8）
  -t, --timeout <seconds>     指定秒数後に実行を停止（デフォルト: 無制限）
  --backoff <duration>        リトライ・WAITのポーリング間隔（デフォルト: 100ms）
  --step-limit <n>            n行実行したら停止（デフォルト: 無制限）
  --reset-vars                実行前に変数A〜Zを0にする
  -l, --log-level <level>     ログレベル: debug, info, warn, error（デフォルト: info）
  --log-file <file>           JSON形式のログを追記するファイル
  --journal                   systemd journalへもログを出力
  --dump                      行テーブルを表示して終了
  -i, --interactive           端末のキー操作（p: 一時停止, r: 再開, s: 停止）を有効化
  -h, --help                  このヘルプを表示

Environment Variables:
  TIMEOUT=<seconds>           タイムアウト時間（秒）
  LOG_LEVEL=<level>           ログレベル
  MMSCRIPT_CONFIG=<file>      CUE設定ファイル

Examples:
  mmscript move.txt                       スクリプトを実行
  mmscript --dump move.txt                行テーブルを確認
  mmscript -c bench.cue -i move.txt       設定ファイルとキー操作付きで実行
  mmscript -e shift_jis --timeout 30 legacy.txt
`)
}
