/*
Package clog provides Context with logging information.
*/
package clog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// unique type to prevent assignment.
type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

const (
	// standard keys
	jobID    = "jobID"
	taskID   = "taskID"
	workerID = "workerID"
	runtime  = "runtime"
	clientIP = "clientIP"
)

// Verbose is a boolean type that implements Infof (like Printf) etc.
// See the documentation of V for more information.
type Verbose bool

var stdKeys map[string]bool
var stdKeysOrder = []string{jobID, taskID, workerID, runtime, clientIP}

// publicLogKeys are the context keys allowed to appear in logs shipped
// off the node. Everything else stays local.
var publicLogKeys = []string{jobID, workerID, runtime}

func init() {
	stdKeys = make(map[string]bool)
	for _, key := range stdKeysOrder {
		stdKeys[key] = true
	}
}

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

type values struct {
	mu   sync.RWMutex
	vals map[string]string
}

func newValues() *values {
	return &values{
		vals: make(map[string]string),
	}
}

// Clone creates new context with parentCtx as parent and
// logging details from logCtx
func Clone(parentCtx, logCtx context.Context) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for k, v := range cmap.vals {
			newCmap.vals[k] = v
		}
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

// PublicCloneCtx is like Clone but only copies keys listed in allowedKeys,
// so contextual values never leak into public log sinks.
func PublicCloneCtx(logCtx, parentCtx context.Context, allowedKeys []string) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for _, k := range allowedKeys {
			if v, ok := cmap.vals[k]; ok {
				newCmap.vals[k] = v
			}
		}
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

func AddJobID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, jobID, val)
}

func AddTaskID(ctx context.Context, val int64) context.Context {
	return AddVal(ctx, taskID, strconv.FormatInt(val, 10))
}

func AddWorkerID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, workerID, val)
}

func AddRuntime(ctx context.Context, val string) context.Context {
	return AddVal(ctx, runtime, val)
}

func AddClientIP(ctx context.Context, val string) context.Context {
	return AddVal(ctx, clientIP, val)
}

func AddVal(ctx context.Context, key, val string) context.Context {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		cmap = newValues()
		ctx = context.WithValue(ctx, clogContextKey, cmap)
	}
	cmap.mu.Lock()
	cmap.vals[key] = val
	cmap.mu.Unlock()
	return ctx
}

// GetVal returns the value stored in the context for key, or "".
func GetVal(ctx context.Context, key string) string {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return ""
	}
	cmap.mu.RLock()
	defer cmap.mu.RUnlock()
	return cmap.vals[key]
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, false, format, args...)
	glog.WarningDepth(1, msg)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, false, format, args...)
	glog.ErrorDepth(1, msg)
}

func Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, false, format, args...)
	glog.FatalDepth(1, msg)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, 2, false, format, args...)
}

// InfofErr takes the last argument as an error and appends err="..." to the
// message when it is non-nil. It returns that error unchanged so call sites
// can log and propagate in one statement.
func InfofErr(ctx context.Context, format string, args ...interface{}) error {
	var err error
	if len(args) > 0 {
		if lastErr, ok := args[len(args)-1].(error); ok || args[len(args)-1] == nil {
			err = lastErr
			args = args[:len(args)-1]
		}
	}
	msg, _ := formatMessage(ctx, true, false, format, append(args, err)...)
	if err != nil {
		glog.ErrorDepth(1, msg)
	} else {
		glog.InfoDepth(1, msg)
	}
	return err
}

// PublicInfof marks the message so downstream log shippers can pick it up.
func PublicInfof(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, true, format, args...)
	glog.InfoDepth(1, msg)
}

func infof(ctx context.Context, depth int, isPublic bool, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, isPublic, format, args...)
	glog.InfoDepth(depth, msg)
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		infof(ctx, 2, false, format, args...)
	}
}

func messageFromContext(ctx context.Context, sb *strings.Builder) {
	if ctx == nil {
		return
	}
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return
	}
	cmap.mu.RLock()
	for _, key := range stdKeysOrder {
		if val, ok := cmap.vals[key]; ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	for key, val := range cmap.vals {
		if _, ok := stdKeys[key]; !ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	cmap.mu.RUnlock()
}

func formatMessage(ctx context.Context, lastErr, isPublic bool, format string, args ...interface{}) (string, bool) {
	var err error
	if lastErr && len(args) > 0 {
		var ok bool
		if err, ok = args[len(args)-1].(error); ok || args[len(args)-1] == nil {
			args = args[:len(args)-1]
		}
	}
	var sb strings.Builder
	if isPublic {
		sb.WriteString("[PublicLogs] ")
	}
	messageFromContext(ctx, &sb)
	sb.WriteString(fmt.Sprintf(format, args...))
	if err != nil {
		sb.WriteString(" err=")
		sb.WriteString(strconv.Quote(err.Error()))
	}
	return sb.String(), err != nil
}
