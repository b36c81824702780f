package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/schaermu/hostedit/internal/config"
	"github.com/schaermu/hostedit/internal/git"
	"github.com/schaermu/hostedit/internal/objstore"
	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/zosmf"
)

// clients builds remote clients on first use and keeps one per profile.
type clients struct {
	ctx context.Context
	cfg *config.Config

	mu      sync.Mutex
	zosmf   map[string]*zosmf.Client
	objects map[string]*objstore.Client
	repos   map[string]*git.FileClient
}

func newClients(ctx context.Context, cfg *config.Config) *clients {
	return &clients{
		ctx:     ctx,
		cfg:     cfg,
		zosmf:   make(map[string]*zosmf.Client),
		objects: make(map[string]*objstore.Client),
		repos:   make(map[string]*git.FileClient),
	}
}

func (c *clients) profile(name string, want config.ProfileType, kind resource.Kind) (config.ProfileConfig, error) {
	p, err := c.cfg.Profile(name)
	if err != nil {
		return p, remote.NewAPIError(0, err.Error(), resource.CategoryValidation)
	}
	if p.Type != want {
		return p, remote.NewAPIError(0,
			fmt.Sprintf("profile %q is a %s profile, %s resources need a %s profile", name, p.Type, kind, want),
			resource.CategoryValidation)
	}
	return p, nil
}

func (c *clients) zosmfClient(name string, kind resource.Kind) (*zosmf.Client, error) {
	p, err := c.profile(name, config.ProfileZosmf, kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.zosmf[name]; ok {
		return client, nil
	}

	password, err := config.ReadSecretFile(p.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	props, err := p.DecodeProperties()
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	client, err := zosmf.NewClient(zosmf.Config{
		BaseURL:            p.BaseURL(),
		User:               p.User,
		Password:           password,
		InsecureSkipVerify: !p.VerifyTLS(),
		RequestsPerSecond:  props.RequestsPerSecond,
		Burst:              props.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	c.zosmf[name] = client
	return client, nil
}

func (c *clients) datasets(name string) (remote.Client, error) {
	client, err := c.zosmfClient(name, resource.KindDataset)
	if err != nil {
		return nil, err
	}
	return client.Datasets(), nil
}

func (c *clients) unixFiles(name string) (remote.Client, error) {
	client, err := c.zosmfClient(name, resource.KindUnixFile)
	if err != nil {
		return nil, err
	}
	return client.UnixFiles(), nil
}

func (c *clients) objectStore(name string) (remote.Client, error) {
	p, err := c.profile(name, config.ProfileS3, resource.KindObject)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.objects[name]; ok {
		return client, nil
	}

	secret, err := config.ReadSecretFile(p.SecretAccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	client, err := objstore.NewClient(c.ctx, objstore.Config{
		Endpoint:     p.Endpoint,
		Region:       p.Region,
		Bucket:       p.Bucket,
		Prefix:       p.Prefix,
		AccessKeyID:  p.AccessKeyID,
		SecretKey:    secret,
		UsePathStyle: p.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	c.objects[name] = client
	return client, nil
}

func (c *clients) repoFiles(name string) (remote.Client, error) {
	p, err := c.profile(name, config.ProfileGit, resource.KindRepoFile)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.repos[name]; ok {
		return client, nil
	}

	client := git.NewFileClient(git.NewShellClient(p.SSHKeyFile, p.HTTPSTokenFile), p.URL, p.Ref, c.cfg.RepoCacheDir(name))
	c.repos[name] = client
	return client, nil
}
