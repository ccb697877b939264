// Package fswrite materialises a workload's files and control-interface
// FIFO pair onto disk before the runtime adapter starts it (§4.8):
//
//	<run_folder>/<agent>/<workload_id>/
//	    files/<mount_point…>
//	    control_interface/input    FIFO: workload -> agent
//	    control_interface/output   FIFO: agent -> workload
//
// Grounded on original_source's agent/src/workload_files/workload_files_creator.rs
// (mount-point validation, base64 decoding, cleanup-on-error) and
// agent/src/io_utils/fs.rs (directory/FIFO permissions, mkfifo use),
// generalised from Rust's filesystem/filesystem_async trait-mock seams to
// a plain Go interface so tests can fake it.
package fswrite

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/cuemby/ankor/internal/workload"
)

const (
	dirPerm  = 0700
	filePerm = 0600
	fifoPerm = 0700

	filesSubdir            = "files"
	controlInterfaceSubdir = "control_interface"

	// InputFIFO carries messages from the workload to the agent.
	InputFIFO = "input"
	// OutputFIFO carries messages from the agent to the workload.
	OutputFIFO = "output"
)

// InstanceDir returns the per-instance root under runFolder (§6's on-disk
// layout).
func InstanceDir(runFolder, agent, workloadID string) string {
	return filepath.Join(runFolder, agent, workloadID)
}

// ValidateMountPoint rejects relative paths, `..` components, trailing
// separators and non-UTF-8 mount points (§4.8).
func ValidateMountPoint(mountPoint string) error {
	if !utf8.ValidString(mountPoint) {
		return fmt.Errorf("mount point is not valid UTF-8")
	}
	if !strings.HasPrefix(mountPoint, "/") {
		return fmt.Errorf("mount point %q is relative, expected an absolute path", mountPoint)
	}
	if strings.HasSuffix(mountPoint, "/") {
		return fmt.Errorf("mount point %q is a directory, expected a file", mountPoint)
	}
	for _, part := range strings.Split(mountPoint, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return fmt.Errorf("mount point %q contains invalid path components", mountPoint)
		}
	}
	return nil
}

// WriteFiles materialises every file under instanceDir/files, Text files
// verbatim and Base64 files decoded first. On any failure it removes
// instanceDir entirely and returns the first error, mirroring
// WorkloadFilesCreator::create_files's all-or-nothing cleanup.
func WriteFiles(instanceDir string, files []workload.File) (map[string]string, error) {
	base := filepath.Join(instanceDir, filesSubdir)
	hostPaths := make(map[string]string, len(files))

	for _, f := range files {
		if err := ValidateMountPoint(f.MountPoint); err != nil {
			os.RemoveAll(instanceDir)
			return nil, fmt.Errorf("invalid mount point: %w", err)
		}

		hostPath := filepath.Join(base, filepath.FromSlash(strings.TrimPrefix(f.MountPoint, "/")))
		if err := os.MkdirAll(filepath.Dir(hostPath), dirPerm); err != nil {
			os.RemoveAll(instanceDir)
			return nil, fmt.Errorf("create directory for %q: %w", f.MountPoint, err)
		}

		data, err := decodeContent(f)
		if err != nil {
			os.RemoveAll(instanceDir)
			return nil, fmt.Errorf("decode %q: %w", f.MountPoint, err)
		}

		if err := os.WriteFile(hostPath, data, filePerm); err != nil {
			os.RemoveAll(instanceDir)
			return nil, fmt.Errorf("write %q: %w", f.MountPoint, err)
		}

		hostPaths[f.MountPoint] = hostPath
	}

	return hostPaths, nil
}

func decodeContent(f workload.File) ([]byte, error) {
	switch f.Kind {
	case workload.FileContentBase64:
		decoded, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
		return decoded, nil
	default:
		return []byte(f.Content), nil
	}
}

// ProvisionControlInterface creates instanceDir/control_interface and its
// input/output FIFOs, returning the directory path to hand to the runtime
// adapter as its control_interface_path mount source.
func ProvisionControlInterface(instanceDir string) (string, error) {
	dir := filepath.Join(instanceDir, controlInterfaceSubdir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create control interface directory: %w", err)
	}

	for _, name := range []string{InputFIFO, OutputFIFO} {
		path := filepath.Join(dir, name)
		if err := unix.Mkfifo(path, fifoPerm); err != nil && err != unix.EEXIST {
			return "", fmt.Errorf("create fifo %q: %w", path, err)
		}
	}

	return dir, nil
}

// RemoveInstance deletes an instance's entire run-folder subtree,
// including its files and control-interface FIFOs, on workload delete.
func RemoveInstance(instanceDir string) error {
	return os.RemoveAll(instanceDir)
}
