package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nexus-runtime/extrt/pkg/extapi"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// execResult is the non-streaming aggregated shape of an Exec call.
type execResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ExecHandler launches a process through a hostiface.ProcessLauncher
// (possibly a sandboxed/microVM-backed one) and either aggregates its
// output or streams it line by line.
type ExecHandler struct {
	Launcher hostiface.ProcessLauncher
}

func (h *ExecHandler) Kind() extapi.Kind                    { return extapi.KindExec }
func (h *ExecHandler) Capability(req extapi.Request) string { return "exec:run" }

func (h *ExecHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var spec hostiface.ProcessSpec
	if err := json.Unmarshal(req.Payload, &spec); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed exec payload"))
	}
	if spec.Cmd == "" {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "exec requires a non-empty cmd"))
	}

	handle, err := h.Launcher.Start(ctx, spec)
	if err != nil {
		if code, ok := mapContextErr(ctx); ok {
			return emit(extapi.Error(code, err.Error()))
		}
		return emit(extapi.Error(extapi.CodeIO, err.Error()))
	}

	if req.Stream {
		return h.handleStreaming(ctx, handle, emit)
	}
	return h.handleAggregated(ctx, handle, emit)
}

func (h *ExecHandler) handleAggregated(ctx context.Context, handle hostiface.ProcessHandle, emit Emit) error {
	stdout, stdoutErr := io.ReadAll(handle.Stdout())
	stderr, stderrErr := io.ReadAll(handle.Stderr())
	exitCode, waitErr := handle.Wait()

	if waitErr != nil {
		if code, ok := mapContextErr(ctx); ok {
			return emit(extapi.Error(code, waitErr.Error()))
		}
	}
	if stdoutErr != nil || stderrErr != nil {
		return emit(extapi.Error(extapi.CodeIO, "failed reading process output"))
	}

	raw, err := json.Marshal(execResult{ExitCode: exitCode, Stdout: string(stdout), Stderr: string(stderr)})
	if err != nil {
		return emit(extapi.Error(extapi.CodeInternal, "failed to encode exec result"))
	}
	return emit(extapi.Success(raw))
}

func (h *ExecHandler) handleStreaming(ctx context.Context, handle hostiface.ProcessHandle, emit Emit) error {
	lines := make(chan string, 64)
	go pumpLines(handle.Stdout(), "stdout", lines)
	go pumpLines(handle.Stderr(), "stderr", lines)

	done := make(chan struct{})
	var exitCode int
	go func() {
		exitCode, _ = handle.Wait()
		close(done)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				continue
			}
			raw, _ := json.Marshal(line)
			if err := emit(extapi.Outcome{Stream: true, Chunk: raw}); err != nil {
				handle.Kill()
				return err
			}
		case <-done:
			// The terminal chunk carries the exit status.
			final, _ := json.Marshal(map[string]int{"exit_code": exitCode})
			return emit(extapi.Outcome{Stream: true, Chunk: final, IsFinal: true})
		case <-ctx.Done():
			handle.Kill()
			return emit(extapi.Outcome{Stream: true, IsFinal: true})
		}
	}
}

func pumpLines(r io.ReadCloser, label string, out chan<- string) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- fmt.Sprintf("[%s] %s", label, scanner.Text())
	}
}

// httpResult is the non-streaming aggregated shape of an Http call.
type httpResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// HttpHandler forwards an Http host-call through a hostiface.HttpClient,
// aggregating the body or streaming it in fixed-size chunks.
type HttpHandler struct {
	Client        hostiface.HttpClient
	StreamChunkSz int
}

func (h *HttpHandler) Kind() extapi.Kind                    { return extapi.KindHttp }
func (h *HttpHandler) Capability(req extapi.Request) string { return "http:fetch" }

func (h *HttpHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var httpReq hostiface.HttpRequest
	if err := json.Unmarshal(req.Payload, &httpReq); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed http payload"))
	}
	if httpReq.URL == "" {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "http requires a non-empty url"))
	}

	resp, err := h.Client.Do(ctx, httpReq)
	if err != nil {
		if code, ok := mapContextErr(ctx); ok {
			return emit(extapi.Error(code, err.Error()))
		}
		return emit(extapi.Error(extapi.CodeIO, err.Error()))
	}
	defer resp.Body.Close()

	if req.Stream {
		return h.handleStreaming(ctx, resp, emit)
	}
	return h.handleAggregated(resp, emit)
}

func (h *HttpHandler) handleAggregated(resp *hostiface.HttpResponse, emit Emit) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return emit(extapi.Error(extapi.CodeIO, "failed reading response body"))
	}
	raw, err := json.Marshal(httpResult{Status: resp.Status, Headers: resp.Headers, Body: body})
	if err != nil {
		return emit(extapi.Error(extapi.CodeInternal, "failed to encode http result"))
	}
	return emit(extapi.Success(raw))
}

func (h *HttpHandler) handleStreaming(ctx context.Context, resp *hostiface.HttpResponse, emit Emit) error {
	chunkSize := h.StreamChunkSz
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}

	// Status and headers always ride the first chunk.
	head, _ := json.Marshal(map[string]any{"status": resp.Status, "headers": resp.Headers})
	if err := emit(extapi.Outcome{Stream: true, Chunk: head}); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			raw, _ := json.Marshal(append([]byte(nil), buf[:n]...))
			if emitErr := emit(extapi.Outcome{Stream: true, Chunk: raw}); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return emit(extapi.Outcome{Stream: true, IsFinal: true})
		}
		if err != nil {
			return emit(extapi.Outcome{Stream: true, IsFinal: true})
		}
		select {
		case <-ctx.Done():
			return emit(extapi.Outcome{Stream: true, IsFinal: true})
		default:
		}
	}
}
