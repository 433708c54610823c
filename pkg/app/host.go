package app

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zurustar/mmscript/pkg/servo"
	"github.com/zurustar/mmscript/pkg/vm"
)

// consoleHost はインタプリタからのコールバックを端末へ表示する
type consoleHost struct {
	mu     sync.Mutex
	out    io.Writer
	log    *slog.Logger
	interp *vm.Interpreter

	current int16 // 現在実行中のラベル（0は停止中）
}

func newConsoleHost(out io.Writer, log *slog.Logger, interp *vm.Interpreter) *consoleHost {
	return &consoleHost{out: out, log: log, interp: interp}
}

// OnLabel 実行中の行を記録する
func (h *consoleHost) OnLabel(label int16) {
	h.mu.Lock()
	h.current = label
	h.mu.Unlock()

	if label == 0 {
		h.log.Debug("Script idle")
		return
	}
	if line, ok := h.interp.LineFor(label); ok {
		h.log.Debug("Executing line", "label", label, "text", line.Text)
	}
}

// OnLocalError ローカル側のAPI呼び出し失敗を表示
func (h *consoleHost) OnLocalError(node uint8, resp servo.Response) {
	h.printf("Error when invoking API: 0x%02x, node: 0x%02x\n", uint8(resp), node)
}

// OnNodeError ノードから通知されたエラーを表示
func (h *consoleHost) OnNodeError(node uint8, code uint8) {
	h.printf("Node 0x%02x error: 0x%02x\n", node, code)
}

// Log 送信した操作を表示
func (h *consoleHost) Log(node uint8, msg string) {
	h.printf("node: %02x, msg: %s\n", node, msg)
}

// Current 現在のラベルを返す
func (h *consoleHost) Current() int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *consoleHost) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}
