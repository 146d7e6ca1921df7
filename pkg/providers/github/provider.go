/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/go-github/v73/github"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	awserrors "github.com/runnerfleet/runnerfleet/pkg/errors"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	ssmp "github.com/runnerfleet/runnerfleet/pkg/providers/ssm"
)

// DefaultRunnerGroupID is the id of the builtin "Default" group runners land
// in when no group is configured.
const DefaultRunnerGroupID int64 = 1

type Provider interface {
	Client(context.Context, Scope, int64) (Client, error)
}

// Client is bound to a single scope through an installation token. Clients
// are built per batch or per reconciliation pass and not reused beyond it.
type Client interface {
	Scope() Scope
	ListRunners(context.Context) ([]*Runner, error)
	GetRunner(context.Context, int64) (*Runner, error)
	DeleteRunner(context.Context, int64) error
	GetJobStatus(context.Context, string, string, int64) (string, error)
	GenerateJITConfig(context.Context, *JITConfigRequest) (*JITConfig, error)
	CreateRegistrationToken(context.Context) (string, error)
	ResolveRunnerGroupID(context.Context, string) (int64, error)
}

type DefaultProvider struct {
	app              *github.Client
	ssmProvider      ssmp.Provider
	runnerGroupCache *cache.Cache

	apiURL     string
	uploadsURL string
}

func NewDefaultProvider(creds AppCredentials, ghesURL string, ssmProvider ssmp.Provider, runnerGroupCache *cache.Cache) (*DefaultProvider, error) {
	apiURL, err := APIEndpoint(ghesURL)
	if err != nil {
		return nil, err
	}
	uploadsURL, err := UploadsEndpoint(ghesURL)
	if err != nil {
		return nil, err
	}
	app := github.NewClient(&http.Client{Transport: &appTransport{
		base:  http.DefaultTransport,
		appID: creds.AppID,
		key:   creds.Key,
	}})
	if apiURL != "" {
		if app, err = app.WithEnterpriseURLs(apiURL, uploadsURL); err != nil {
			return nil, fmt.Errorf("configuring enterprise endpoints, %w", err)
		}
	}
	return &DefaultProvider{
		app:              app,
		ssmProvider:      ssmProvider,
		runnerGroupCache: runnerGroupCache,
		apiURL:           apiURL,
		uploadsURL:       uploadsURL,
	}, nil
}

// Client builds an installation scoped client for the given scope. When
// installationID is zero the installation is resolved through the Apps API.
func (p *DefaultProvider) Client(ctx context.Context, scope Scope, installationID int64) (Client, error) {
	if installationID == 0 {
		id, err := p.findInstallation(ctx, scope)
		if err != nil {
			return nil, err
		}
		installationID = id
	}
	token, _, err := p.app.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating installation token for %q, %w", scope, err)
	}
	client := github.NewClient(nil).WithAuthToken(token.GetToken())
	if p.apiURL != "" {
		if client, err = client.WithEnterpriseURLs(p.apiURL, p.uploadsURL); err != nil {
			return nil, fmt.Errorf("configuring enterprise endpoints, %w", err)
		}
	}
	return &DefaultClient{client: client, scope: scope, provider: p}, nil
}

func (p *DefaultProvider) findInstallation(ctx context.Context, scope Scope) (int64, error) {
	var installation *github.Installation
	var err error
	if scope.IsOrg() {
		installation, _, err = p.app.Apps.FindOrganizationInstallation(ctx, scope.Org)
	} else {
		installation, _, err = p.app.Apps.FindRepositoryInstallation(ctx, scope.Org, scope.Repo)
	}
	if err != nil {
		return 0, fmt.Errorf("finding installation for %q, %w", scope, err)
	}
	return installation.GetID(), nil
}

type DefaultClient struct {
	client *github.Client
	scope  Scope

	provider *DefaultProvider
}

func (c *DefaultClient) Scope() Scope {
	return c.scope
}

func (c *DefaultClient) ListRunners(ctx context.Context) ([]*Runner, error) {
	var runners []*Runner
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var page *github.Runners
		var resp *github.Response
		var err error
		if c.scope.IsOrg() {
			page, resp, err = c.client.Actions.ListOrganizationRunners(ctx, c.scope.Org, opts)
		} else {
			page, resp, err = c.client.Actions.ListRunners(ctx, c.scope.Org, c.scope.Repo, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("listing runners for %q, %w", c.scope, err)
		}
		runners = append(runners, lo.Map(page.Runners, func(r *github.Runner, _ int) *Runner { return newRunner(r) })...)
		if resp.NextPage == 0 {
			return runners, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *DefaultClient) GetRunner(ctx context.Context, id int64) (*Runner, error) {
	var runner *github.Runner
	var err error
	if c.scope.IsOrg() {
		runner, _, err = c.client.Actions.GetOrganizationRunner(ctx, c.scope.Org, id)
	} else {
		runner, _, err = c.client.Actions.GetRunner(ctx, c.scope.Org, c.scope.Repo, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting runner %d for %q, %w", id, c.scope, err)
	}
	return newRunner(runner), nil
}

func (c *DefaultClient) DeleteRunner(ctx context.Context, id int64) error {
	var err error
	if c.scope.IsOrg() {
		_, err = c.client.Actions.RemoveOrganizationRunner(ctx, c.scope.Org, id)
	} else {
		_, err = c.client.Actions.RemoveRunner(ctx, c.scope.Org, c.scope.Repo, id)
	}
	if err != nil {
		return fmt.Errorf("removing runner %d for %q, %w", id, c.scope, err)
	}
	return nil
}

// GetJobStatus looks a workflow job up by id. Jobs are repository scoped even
// for organization runners, so the repository comes from the message and not
// from the client's scope.
func (c *DefaultClient) GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	job, _, err := c.client.Actions.GetWorkflowJobByID(ctx, owner, repo, jobID)
	if err != nil {
		return "", fmt.Errorf("getting workflow job %d, %w", jobID, err)
	}
	return job.GetStatus(), nil
}

func (c *DefaultClient) GenerateJITConfig(ctx context.Context, req *JITConfigRequest) (*JITConfig, error) {
	request := &github.GenerateJITConfigRequest{
		Name:          req.Name,
		RunnerGroupID: req.GroupID,
		Labels:        req.Labels,
	}
	if req.WorkFolder != "" {
		request.WorkFolder = github.Ptr(req.WorkFolder)
	}
	var jitConfig *github.JITRunnerConfig
	var err error
	if c.scope.IsOrg() {
		jitConfig, _, err = c.client.Actions.GenerateOrgJITConfig(ctx, c.scope.Org, request)
	} else {
		jitConfig, _, err = c.client.Actions.GenerateRepoJITConfig(ctx, c.scope.Org, c.scope.Repo, request)
	}
	if err != nil {
		return nil, fmt.Errorf("generating jit config for %q, %w", c.scope, err)
	}
	return &JITConfig{
		Runner:           newRunner(jitConfig.Runner),
		EncodedJITConfig: jitConfig.GetEncodedJITConfig(),
	}, nil
}

func (c *DefaultClient) CreateRegistrationToken(ctx context.Context) (string, error) {
	var token *github.RegistrationToken
	var err error
	if c.scope.IsOrg() {
		token, _, err = c.client.Actions.CreateOrganizationRegistrationToken(ctx, c.scope.Org)
	} else {
		token, _, err = c.client.Actions.CreateRegistrationToken(ctx, c.scope.Org, c.scope.Repo)
	}
	if err != nil {
		return "", fmt.Errorf("creating registration token for %q, %w", c.scope, err)
	}
	return token.GetToken(), nil
}

// ResolveRunnerGroupID resolves a runner group name to its numeric id. Ids
// never change once a group exists, so hits are served from memory, then from
// the SSM config path, and only then from the paged groups listing.
func (c *DefaultClient) ResolveRunnerGroupID(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return DefaultRunnerGroupID, nil
	}
	if !c.scope.IsOrg() {
		return 0, fmt.Errorf("runner groups are organization scoped, got %q", c.scope)
	}
	cacheKey := fmt.Sprintf("%s/%s", c.scope.Org, name)
	if id, ok := c.provider.runnerGroupCache.Get(cacheKey); ok {
		return id.(int64), nil
	}
	param := ssmp.Parameter{Name: fmt.Sprintf("%s/runner-group/%s", options.FromContext(ctx).SSMConfigPath, name)}
	if raw, err := c.provider.ssmProvider.Get(ctx, param); err == nil {
		if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			c.provider.runnerGroupCache.SetDefault(cacheKey, id)
			return id, nil
		}
	} else if !awserrors.IsNotFound(err) {
		log.FromContext(ctx).Error(err, "reading cached runner group id", "parameter", param.Name)
	}
	id, err := c.findRunnerGroupID(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := c.provider.ssmProvider.Put(ctx, param, strconv.FormatInt(id, 10)); err != nil {
		log.FromContext(ctx).Error(err, "caching runner group id", "parameter", param.Name)
	}
	c.provider.runnerGroupCache.SetDefault(cacheKey, id)
	return id, nil
}

func (c *DefaultClient) findRunnerGroupID(ctx context.Context, name string) (int64, error) {
	opts := &github.ListOrgRunnerGroupOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		groups, resp, err := c.client.Actions.ListOrganizationRunnerGroups(ctx, c.scope.Org, opts)
		if err != nil {
			return 0, fmt.Errorf("listing runner groups for %q, %w", c.scope.Org, err)
		}
		if group, ok := lo.Find(groups.RunnerGroups, func(g *github.RunnerGroup) bool { return g.GetName() == name }); ok {
			return group.GetID(), nil
		}
		if resp.NextPage == 0 {
			return 0, fmt.Errorf("runner group %q not found in organization %q", name, c.scope.Org)
		}
		opts.Page = resp.NextPage
	}
}
