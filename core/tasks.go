package core

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/beamgrid/go-beamgrid/common"
)

func init() {
	MustRegister("echo", echoTask)
	MustRegister("sleep", sleepTask)
	MustRegister("fail", failTask)
	MustRegister("sysinfo", sysinfoTask)
	MustRegister("checksum", checksumTask)
}

func stringKwarg(args *TaskArgs, key string) (string, bool) {
	v, ok := args.Kwargs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatKwarg(args *TaskArgs, key string) (float64, bool) {
	v, ok := args.Kwargs[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// echoTask returns its own arguments. With a "save" kwarg the result is
// also written into the work dir and comes back as an artifact.
func echoTask(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error) {
	out := map[string]interface{}{
		"args":   args.Args,
		"kwargs": args.Kwargs,
		"device": env.Device,
	}
	if name, ok := stringKwarg(args, "save"); ok && name != "" {
		data, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(env.WorkDir, filepath.Base(name))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("saving artifact: %w", err)
		}
	}
	return out, nil
}

// sleepTask sleeps for the requested number of seconds, emitting a
// progress tick every second. Honors cancellation.
func sleepTask(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error) {
	seconds := 1.0
	if len(args.Args) > 0 {
		if f, ok := args.Args[0].(float64); ok {
			seconds = f
		}
	} else if f, ok := floatKwarg(args, "seconds"); ok {
		seconds = f
	}
	if seconds < 0 {
		return nil, errors.New("seconds cannot be negative")
	}

	deadline := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	elapsed := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return map[string]interface{}{"slept": seconds}, nil
		case <-tick.C:
			elapsed++
			if env.Emit != nil {
				if ev, err := EncodeValue(CodecJSON, map[string]interface{}{"elapsed": elapsed}); err == nil {
					env.Emit(*ev)
				}
			}
		}
	}
}

// failTask fails on purpose. With "panic": true it panics instead of
// returning an error.
func failTask(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error) {
	msg := "task failed"
	if m, ok := stringKwarg(args, "message"); ok {
		msg = m
	}
	if p, ok := args.Kwargs["panic"]; ok {
		if b, ok := p.(bool); ok && b {
			panic(msg)
		}
	}
	return nil, errors.New(msg)
}

func sysinfoTask(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error) {
	out := map[string]interface{}{
		"cpus":   runtime.NumCPU(),
		"device": env.Device,
	}
	if info, err := host.Info(); err == nil {
		out["hostname"] = info.Hostname
		out["os"] = info.OS
		out["platform"] = info.Platform
		out["kernel"] = info.KernelVersion
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_total"] = vm.Total
		out["mem_available"] = vm.Available
	}
	if gpus, err := common.ParseNvidiaDevices("all"); err == nil {
		out["gpus"] = gpus
	}
	return out, nil
}

// checksumTask hashes base64 input bytes. First positional argument is
// the algorithm, the "data" kwarg carries the bytes.
func checksumTask(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error) {
	algo := "sha256"
	if len(args.Args) > 0 {
		if s, ok := args.Args[0].(string); ok {
			algo = s
		}
	}
	b64, ok := stringKwarg(args, "data")
	if !ok {
		return nil, errors.New("checksum needs a data kwarg")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("bad data: %w", err)
	}

	var h hash.Hash
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algo)
	}
	h.Write(data)
	return map[string]interface{}{
		"algo":   algo,
		"digest": hex.EncodeToString(h.Sum(nil)),
		"size":   len(data),
	}, nil
}
