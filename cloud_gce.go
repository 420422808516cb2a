package crostestutils

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// GCESettings locates the provider-side project a cloud run uses. Loaded
// from the harness config file.
type GCESettings struct {
	Project     string `toml:"project"`
	Zone        string `toml:"zone"`
	MachineType string `toml:"machine_type"`
	Bucket      string `toml:"bucket"`
	NetworkTag  string `toml:"network_tag"`
}

// NewGCloudContext returns the CloudContext backed by the gcloud binary.
// The binary itself is out of scope; only its invocation shape lives here.
func NewGCloudContext(runner CommandRunner, settings GCESettings) (CloudContext, error) {
	if settings.Project == "" || settings.Zone == "" {
		return nil, errors.New("gce settings require a project and a zone")
	}
	if settings.MachineType == "" {
		settings.MachineType = "n1-standard-8"
	}
	return &gcloudContext{runner: runner, settings: settings}, nil
}

type gcloudContext struct {
	runner   CommandRunner
	settings GCESettings
}

func (g *gcloudContext) CreateImage(ctx context.Context, name, tarballURL string) error {
	_, err := g.runner.Run(ctx, []string{
		"gcloud", "compute", "images", "create", name,
		"--project=" + g.settings.Project,
		"--source-uri=" + tarballURL,
	}, RunOptions{})
	return errors.Wrapf(err, "gcloud create image %s", name)
}

func (g *gcloudContext) DeleteImage(ctx context.Context, name string) error {
	_, err := g.runner.Run(ctx, []string{
		"gcloud", "compute", "images", "delete", name,
		"--project=" + g.settings.Project,
		"--quiet",
	}, RunOptions{})
	return errors.Wrapf(err, "gcloud delete image %s", name)
}

func (g *gcloudContext) CreateInstance(ctx context.Context, name, image string) error {
	argv := []string{
		"gcloud", "compute", "instances", "create", name,
		"--project=" + g.settings.Project,
		"--zone=" + g.settings.Zone,
		"--machine-type=" + g.settings.MachineType,
		"--image=" + image,
	}
	if g.settings.NetworkTag != "" {
		argv = append(argv, "--tags="+g.settings.NetworkTag)
	}
	_, err := g.runner.Run(ctx, argv, RunOptions{})
	return errors.Wrapf(err, "gcloud create instance %s", name)
}

func (g *gcloudContext) DeleteInstance(ctx context.Context, name string) error {
	_, err := g.runner.Run(ctx, []string{
		"gcloud", "compute", "instances", "delete", name,
		"--project=" + g.settings.Project,
		"--zone=" + g.settings.Zone,
		"--quiet",
	}, RunOptions{})
	return errors.Wrapf(err, "gcloud delete instance %s", name)
}

func (g *gcloudContext) InstanceIP(ctx context.Context, name string) (string, error) {
	output, err := g.runner.Run(ctx, []string{
		"gcloud", "compute", "instances", "describe", name,
		"--project=" + g.settings.Project,
		"--zone=" + g.settings.Zone,
		"--format=value(networkInterfaces[0].accessConfigs[0].natIP)",
	}, RunOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "gcloud describe instance %s", name)
	}
	ip := strings.TrimSpace(output)
	if ip == "" {
		return "", errors.Errorf("instance %s has no external address", name)
	}
	return ip, nil
}

// NewGSUtilStore returns the ObjectStore backed by the gsutil binary,
// rooted at the given bucket.
func NewGSUtilStore(runner CommandRunner, bucket string) (ObjectStore, error) {
	if bucket == "" {
		return nil, errors.New("object store requires a bucket")
	}
	return &gsutilStore{runner: runner, bucket: strings.TrimSuffix(bucket, "/")}, nil
}

type gsutilStore struct {
	runner CommandRunner
	bucket string
}

func (s *gsutilStore) gsURI(objectPath string) string {
	return "gs://" + s.bucket + "/" + strings.TrimPrefix(objectPath, "/")
}

func (s *gsutilStore) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := s.runner.Run(ctx, []string{"gsutil", "cp", localPath, s.gsURI(objectPath)}, RunOptions{})
	return errors.Wrapf(err, "gsutil upload %s", objectPath)
}

func (s *gsutilStore) Delete(ctx context.Context, objectPath string) error {
	_, err := s.runner.Run(ctx, []string{"gsutil", "rm", s.gsURI(objectPath)}, RunOptions{})
	return errors.Wrapf(err, "gsutil delete %s", objectPath)
}

// URL converts the object path to the https form the provider's image
// import expects.
func (s *gsutilStore) URL(objectPath string) string {
	return "https://storage.googleapis.com/" + s.bucket + "/" + strings.TrimPrefix(objectPath, "/")
}
