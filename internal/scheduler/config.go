package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/store"
)

// SecretSource resolves a named secret to its key/value data.
type SecretSource interface {
	Secret(ctx context.Context, name string) (map[string]string, error)
}

// FileSecretSource reads secrets laid out as Dir/<name>/<key>, the way
// mounted Kubernetes secrets and Docker secrets appear on disk.
type FileSecretSource struct {
	Dir string
}

// Secret reads every regular file of the secret's directory. Hidden entries
// are skipped.
func (s FileSecretSource) Secret(_ context.Context, name string) (map[string]string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apperrors.Validation("secrets", fmt.Sprintf("invalid secret name %q", name))
	}

	dir := filepath.Join(s.Dir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("secret", name)
		}
		return nil, apperrors.Unavailable("read secret "+name, err)
	}

	data := make(map[string]string, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Unavailable("read secret "+name, err)
		}
		data[e.Name()] = string(b)
	}
	return data, nil
}

// ConfigBuilder turns a stored job into the config sent to a worker.
type ConfigBuilder struct {
	secrets SecretSource
}

// NewConfigBuilder creates a builder. secrets may be nil when no job
// references secrets.
func NewConfigBuilder(secrets SecretSource) *ConfigBuilder {
	return &ConfigBuilder{secrets: secrets}
}

// Build decodes the job spec and resolves its secrets.
func (b *ConfigBuilder) Build(ctx context.Context, job *store.JobRecord) (*batch.JobConfig, error) {
	spec, err := batch.ParseJobSpec(job.Spec)
	if err != nil {
		return nil, err
	}

	cfg := &batch.JobConfig{
		BatchID:   job.BatchID,
		JobID:     job.JobID,
		User:      job.User,
		CoresMcpu: job.CoresMcpu,
		Directory: job.Directory,
		Spec:      *spec,
	}

	for _, ref := range spec.Secrets {
		if b.secrets == nil {
			return nil, apperrors.NotFound("secret", ref.Name)
		}
		data, err := b.secrets.Secret(ctx, ref.Name)
		if err != nil {
			return nil, err
		}
		cfg.Secrets = append(cfg.Secrets, batch.Secret{Name: ref.Name, MountPath: ref.MountPath, Data: data})
	}
	return cfg, nil
}
