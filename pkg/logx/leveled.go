package logx

import "fmt"

// Leveled adapts a Logger to the key/value logging interface used by HTTP
// client libraries (Error/Warn/Info/Debug with alternating keys and values).
type Leveled struct {
	L Logger
}

func (l Leveled) Error(msg string, kv ...any) { l.L.Error(msg, kvFields(kv)...) }
func (l Leveled) Warn(msg string, kv ...any)  { l.L.Warn(msg, kvFields(kv)...) }
func (l Leveled) Info(msg string, kv ...any)  { l.L.Debug(msg, kvFields(kv)...) }
func (l Leveled) Debug(msg string, kv ...any) { l.L.Trace(msg, kvFields(kv)...) }

func kvFields(kv []any) []Field {
	out := make([]Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			out = append(out, String(k, "<missing>"))
			break
		}
		if err, ok := kv[i+1].(error); ok {
			out = append(out, String(k, err.Error()))
			continue
		}
		out = append(out, Any(k, kv[i+1]))
	}
	return out
}
