package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"setup-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

const (
	inferenceScriptName = "onnx_inference.py"
	embeddedScriptName  = "onnx_inference_embedded.py"
	probeTimeout        = 30 * time.Second
)

// ONNXFormat decodes <strategy>_model.onnx artifacts. Inference runs in a
// python onnxruntime helper; pythonPath overrides interpreter discovery.
func ONNXFormat(pythonPath string) Format {
	return Format{
		Name: "onnx",
		Ext:  ".onnx",
		Decode: func(path string) (Classifier, error) {
			return LoadONNX(path, pythonPath)
		},
	}
}

// ONNXModel scores rows through the python helper. When the helper supports
// --serve it stays resident; otherwise it is run once per call.
type ONNXModel struct {
	modelPath  string
	pythonPath string
	scriptPath string
	helper     *residentHelper
}

type onnxRequest struct {
	Features []float32 `json:"features"`
	Columns  []string  `json:"columns"`
}

type onnxResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Prediction    int       `json:"prediction"`
	Error         string    `json:"error,omitempty"`
}

// LoadONNX locates an interpreter and helper script for the model at path and
// runs one probe inference. Any failure makes the artifact unusable.
func LoadONNX(path, pythonPath string) (Classifier, error) {
	var err error
	if pythonPath == "" {
		pythonPath, err = findPython()
		if err != nil {
			return nil, err
		}
	}

	scriptPath, err := resolveScript(path)
	if err != nil {
		return nil, err
	}

	m := &ONNXModel{
		modelPath:  path,
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		helper:     newResidentHelper(pythonPath, scriptPath, path),
	}

	if err := m.probe(); err != nil {
		_ = m.helper.Close()
		m.helper = nil
		log.Warn().
			Err(err).
			Str("model_path", path).
			Str("script_path", scriptPath).
			Msg("ONNX helper cannot stay resident, starting one process per prediction")

		if err := m.probe(); err != nil {
			return nil, fmt.Errorf("probe inference: %w", err)
		}
	}

	log.Debug().
		Str("model_path", path).
		Str("python_path", pythonPath).
		Str("script_path", scriptPath).
		Bool("resident", m.helper != nil).
		Msg("ONNX model probe succeeded")
	return m, nil
}

func (m *ONNXModel) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err := m.PredictProba(ctx, features.Encode(features.Record{}))
	return err
}

// Resident reports whether predictions go to a long-lived helper process.
func (m *ONNXModel) Resident() bool {
	return m.helper != nil
}

// Close stops the resident helper, if any.
func (m *ONNXModel) Close() error {
	if m.helper == nil {
		return nil
	}
	return m.helper.Close()
}

// resolveScript prefers a helper shipped next to the model, then one in the
// project scripts directory, and otherwise writes the embedded copy.
func resolveScript(modelPath string) (string, error) {
	modelDir := filepath.Dir(modelPath)
	candidates := []string{
		filepath.Join(modelDir, inferenceScriptName),
		filepath.Join(filepath.Dir(modelDir), "scripts", inferenceScriptName),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	scriptPath := filepath.Join(modelDir, embeddedScriptName)
	if _, err := os.Stat(scriptPath); err == nil {
		return scriptPath, nil
	}
	if err := createInferenceScript(scriptPath); err != nil {
		return "", fmt.Errorf("create inference script: %w", err)
	}
	return scriptPath, nil
}

func (m *ONNXModel) PredictProba(ctx context.Context, row features.Frame) (Probabilities, error) {
	if err := checkFrame(row); err != nil {
		return Probabilities{}, err
	}

	reqJSON, err := json.Marshal(onnxRequest{Features: row.Float32(), Columns: row.Columns})
	if err != nil {
		return Probabilities{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out []byte
	if m.helper != nil {
		out, err = m.helper.call(ctx, reqJSON)
	} else {
		out, err = m.runOnce(ctx, reqJSON)
	}
	if err != nil {
		return Probabilities{}, err
	}

	var resp onnxResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Probabilities{}, fmt.Errorf("failed to parse response: %w, stdout: %s", err, out)
	}
	if resp.Error != "" {
		return Probabilities{}, fmt.Errorf("python inference error: %s", resp.Error)
	}
	if len(resp.Probabilities) != 2 {
		return Probabilities{}, fmt.Errorf("expected 2 probabilities, got %d", len(resp.Probabilities))
	}

	return Probabilities{resp.Probabilities[0], resp.Probabilities[1]}, nil
}

// runOnce starts the helper for a single request.
func (m *ONNXModel) runOnce(ctx context.Context, reqJSON []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.pythonPath, m.scriptPath, m.modelPath)
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("python_path", m.pythonPath).
			Str("script_path", m.scriptPath).
			Str("model_path", m.modelPath).
			Str("stderr", stderr.String()).
			Str("stdout", stdout.String()).
			Bool("context_cancelled", ctx.Err() != nil).
			Msg("Python inference execution failed")

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("prediction timeout: %w", ctx.Err())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := helperError(stdout.Bytes()); msg != "" {
			return nil, fmt.Errorf("python inference error: %s", msg)
		}
		return nil, fmt.Errorf("python inference failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func helperError(stdout []byte) string {
	var resp onnxResponse
	if json.Unmarshal(stdout, &resp) != nil {
		return ""
	}
	return resp.Error
}

const pythonProbe = "import sys, onnxruntime; print('Python', sys.version)"

// findPython looks for a Python 3 interpreter with onnxruntime, trying the
// active virtualenv, venvs next to the executable, then PATH.
func findPython() (string, error) {
	var candidates []string

	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates = append(candidates,
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		)
	}

	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, root := range []string{execDir, filepath.Dir(execDir), filepath.Dir(filepath.Dir(execDir))} {
			candidates = append(candidates,
				filepath.Join(root, "venv", "bin", "python3"),
				filepath.Join(root, ".venv", "bin", "python3"),
				filepath.Join(root, "venv", "Scripts", "python.exe"),
			)
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil && hasOnnxRuntime(c) {
			log.Info().Str("python_path", c).Msg("Using virtual environment Python")
			return c, nil
		}
	}

	for _, name := range []string{"python3", "python", "python3.12", "python3.11", "python3.10"} {
		path, err := exec.LookPath(name)
		if err == nil && hasOnnxRuntime(path) {
			log.Info().Str("python_path", path).Msg("Using system Python")
			return path, nil
		}
	}

	return "", fmt.Errorf("no Python 3 interpreter with onnxruntime found; set PYTHON_PATH")
}

func hasOnnxRuntime(python string) bool {
	out, err := exec.Command(python, "-c", pythonProbe).Output()
	return err == nil && strings.Contains(string(out), "Python 3")
}

func createInferenceScript(scriptPath string) error {
	script := `#!/usr/bin/env python3
"""
ONNX inference helper for the setup scorer (embedded version).
Reads {"features": [...], "columns": [...]} on stdin and prints
{"probabilities": [p_negative, p_positive], "prediction": n}.
With --serve it keeps the session open and answers one request per line.
"""
import sys
import json
import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)

def score(session, input_name, request):
    features = np.array([request["features"]], dtype=np.float32)
    outputs = session.run(None, {input_name: features})

    if len(outputs) == 2:
        probs = outputs[1][0]
        if isinstance(probs, dict):
            probabilities = [float(probs.get(0, 0.0)), float(probs.get(1, 0.0))]
        else:
            probabilities = [float(p) for p in probs]
    elif len(outputs) == 1:
        output = outputs[0]
        if len(output.shape) > 1 and output.shape[-1] == 2:
            probabilities = [float(p) for p in output[0]]
        else:
            positive = float(np.ravel(output)[0])
            probabilities = [1.0 - positive, positive]
    else:
        raise ValueError(f"Unexpected number of outputs: {len(outputs)}")

    return {
        "probabilities": probabilities,
        "prediction": int(np.argmax(probabilities)),
    }

def serve(session, input_name):
    # One JSON request per line on stdin, one JSON response per line on stdout.
    while True:
        line = sys.stdin.readline()
        if not line:
            return
        if not line.strip():
            continue
        try:
            response = score(session, input_name, json.loads(line))
        except Exception as e:
            response = {"error": str(e)}
        sys.stdout.write(json.dumps(response) + "\n")
        sys.stdout.flush()

def main():
    if len(sys.argv) not in (2, 3) or (len(sys.argv) == 3 and sys.argv[2] != "--serve"):
        print(json.dumps({"error": "Usage: python onnx_inference.py <model_path> [--serve]"}))
        sys.exit(1)

    try:
        session = ort.InferenceSession(sys.argv[1])
        input_name = session.get_inputs()[0].name
    except Exception as e:
        print(json.dumps({"error": str(e)}), flush=True)
        sys.exit(1)

    if len(sys.argv) == 3:
        serve(session, input_name)
        return

    try:
        print(json.dumps(score(session, input_name, json.load(sys.stdin))))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)

if __name__ == "__main__":
    main()
`

	return os.WriteFile(scriptPath, []byte(script), 0o755)
}
