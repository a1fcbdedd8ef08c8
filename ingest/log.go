/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ingest

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the main process log. All named logs should be derivatives of
// this logger. All log emissions should be sent through this logger or
// one of its derivatives.
var Log = newLogger()

var logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// SetLogLevel adjusts the verbosity of the process log at runtime.
func SetLogLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// newLogger returns the logger that writes to the console. It is intended
// for setting up the main process logger during the program's init phase.
func newLogger() *zap.Logger {
	consoleOut := zapcore.Lock(os.Stderr)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
	}
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewCore(consoleEncoder, consoleOut, logLevel)

	// avoid a firehose of logs when staging large batches
	const firstNMsgs, everyNthMsg = 10, 100
	sampled := zapcore.NewSamplerWithOptions(core, time.Second, firstNMsgs, everyNthMsg)

	return zap.New(&reportCore{sampled})
}

// reportCore wraps another zapcore.Core and prevents sampling based on
// logger name: batch outcome logs must always come through in full or the
// user's view of the upload gets out of sync.
type reportCore struct {
	zapcore.Core
}

func (c *reportCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.LoggerName == "upload.report" {
		return ce.AddCore(ent, c)
	}
	return c.Core.Check(ent, ce)
}
