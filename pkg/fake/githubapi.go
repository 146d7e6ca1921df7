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

package fake

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Pallinder/go-randomdata"
	gogithub "github.com/google/go-github/v73/github"

	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
)

// Inputs the github mocks record. They carry the scope so that tests driving
// several owners through one fake can still tell the calls apart.
type (
	ListRunnersInput  struct{ Scope string }
	ListRunnersOutput struct{ Runners []*github.Runner }

	GetRunnerInput  struct {
		Scope string
		ID    int64
	}
	GetRunnerOutput struct{ Runner *github.Runner }

	DeleteRunnerInput struct {
		Scope string
		ID    int64
	}
	DeleteRunnerOutput struct{}

	GetJobStatusInput struct {
		Owner string
		Repo  string
		JobID int64
	}
	GetJobStatusOutput struct{ Status string }

	JITConfigInput struct {
		Scope   string
		Request *github.JITConfigRequest
	}

	RegistrationTokenInput  struct{ Scope string }
	RegistrationTokenOutput struct{ Token string }

	RunnerGroupInput struct {
		Scope string
		Name  string
	}
	RunnerGroupOutput struct{ ID int64 }
)

// GithubBehavior must be reset between tests otherwise tests will
// pollute each other.
type GithubBehavior struct {
	NextClientError                 AtomicError
	ListRunnersBehavior             MockedFunction[ListRunnersInput, ListRunnersOutput]
	GetRunnerBehavior               MockedFunction[GetRunnerInput, GetRunnerOutput]
	DeleteRunnerBehavior            MockedFunction[DeleteRunnerInput, DeleteRunnerOutput]
	GetJobStatusBehavior            MockedFunction[GetJobStatusInput, GetJobStatusOutput]
	GenerateJITConfigBehavior       MockedFunction[JITConfigInput, github.JITConfig]
	CreateRegistrationTokenBehavior MockedFunction[RegistrationTokenInput, RegistrationTokenOutput]
	ResolveRunnerGroupIDBehavior    MockedFunction[RunnerGroupInput, RunnerGroupOutput]
	Runners                         AtomicRunnerStore

	nextRunnerID atomic.Int64
}

// GithubAPI fakes the provider and every client it hands out. The default
// behaviors run against the Runners store, so registrations made through
// GenerateJITConfig are visible to later listing and lookup calls.
type GithubAPI struct {
	GithubBehavior
}

var _ github.Provider = (*GithubAPI)(nil)

// Reset must be called between tests otherwise tests will pollute
// each other.
func (g *GithubAPI) Reset() {
	g.NextClientError.Reset()
	g.ListRunnersBehavior.Reset()
	g.GetRunnerBehavior.Reset()
	g.DeleteRunnerBehavior.Reset()
	g.GetJobStatusBehavior.Reset()
	g.GenerateJITConfigBehavior.Reset()
	g.CreateRegistrationTokenBehavior.Reset()
	g.ResolveRunnerGroupIDBehavior.Reset()
	g.Runners.Reset()
	g.nextRunnerID.Store(0)
}

func (g *GithubAPI) Client(_ context.Context, scope github.Scope, _ int64) (github.Client, error) {
	if err := g.NextClientError.Get(); err != nil {
		return nil, err
	}
	return &GithubClient{api: g, scope: scope}, nil
}

// NotFoundError returns the error shape go-github produces for a 404, so the
// fakes trip the same IsNotFound checks the real client does.
func NotFoundError() error {
	return &gogithub.ErrorResponse{
		Response: &http.Response{
			StatusCode: http.StatusNotFound,
			Request:    &http.Request{Method: http.MethodGet, URL: &url.URL{}},
		},
	}
}

type GithubClient struct {
	api   *GithubAPI
	scope github.Scope
}

var _ github.Client = (*GithubClient)(nil)

func (c *GithubClient) Scope() github.Scope {
	return c.scope
}

func (c *GithubClient) ListRunners(_ context.Context) ([]*github.Runner, error) {
	out, err := c.api.ListRunnersBehavior.Invoke(&ListRunnersInput{Scope: c.scope.String()}, func(_ *ListRunnersInput) (*ListRunnersOutput, error) {
		return &ListRunnersOutput{Runners: c.api.Runners.All()}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Runners, nil
}

func (c *GithubClient) GetRunner(_ context.Context, id int64) (*github.Runner, error) {
	out, err := c.api.GetRunnerBehavior.Invoke(&GetRunnerInput{Scope: c.scope.String(), ID: id}, func(input *GetRunnerInput) (*GetRunnerOutput, error) {
		runner, ok := c.api.Runners.Load(input.ID)
		if !ok {
			return nil, NotFoundError()
		}
		return &GetRunnerOutput{Runner: runner}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Runner, nil
}

func (c *GithubClient) DeleteRunner(_ context.Context, id int64) error {
	_, err := c.api.DeleteRunnerBehavior.Invoke(&DeleteRunnerInput{Scope: c.scope.String(), ID: id}, func(input *DeleteRunnerInput) (*DeleteRunnerOutput, error) {
		if _, ok := c.api.Runners.Load(input.ID); !ok {
			return nil, NotFoundError()
		}
		c.api.Runners.Delete(input.ID)
		return &DeleteRunnerOutput{}, nil
	})
	return err
}

func (c *GithubClient) GetJobStatus(_ context.Context, owner, repo string, jobID int64) (string, error) {
	out, err := c.api.GetJobStatusBehavior.Invoke(&GetJobStatusInput{Owner: owner, Repo: repo, JobID: jobID}, func(_ *GetJobStatusInput) (*GetJobStatusOutput, error) {
		return &GetJobStatusOutput{Status: github.JobStatusQueued}, nil
	})
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *GithubClient) GenerateJITConfig(_ context.Context, req *github.JITConfigRequest) (*github.JITConfig, error) {
	return c.api.GenerateJITConfigBehavior.Invoke(&JITConfigInput{Scope: c.scope.String(), Request: req}, func(input *JITConfigInput) (*github.JITConfig, error) {
		// A just registered runner is offline until the instance boots
		runner := &github.Runner{
			ID:     c.api.nextRunnerID.Add(1),
			Name:   input.Request.Name,
			Status: github.RunnerStatusOffline,
		}
		c.api.Runners.Store(runner)
		return &github.JITConfig{
			Runner:           runner,
			EncodedJITConfig: randomdata.Alphanumeric(64),
		}, nil
	})
}

func (c *GithubClient) CreateRegistrationToken(_ context.Context) (string, error) {
	out, err := c.api.CreateRegistrationTokenBehavior.Invoke(&RegistrationTokenInput{Scope: c.scope.String()}, func(_ *RegistrationTokenInput) (*RegistrationTokenOutput, error) {
		return &RegistrationTokenOutput{Token: fmt.Sprintf("token-%s", randomdata.Alphanumeric(16))}, nil
	})
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *GithubClient) ResolveRunnerGroupID(_ context.Context, name string) (int64, error) {
	out, err := c.api.ResolveRunnerGroupIDBehavior.Invoke(&RunnerGroupInput{Scope: c.scope.String(), Name: name}, func(_ *RunnerGroupInput) (*RunnerGroupOutput, error) {
		return &RunnerGroupOutput{ID: github.DefaultRunnerGroupID}, nil
	})
	if err != nil {
		return 0, err
	}
	return out.ID, nil
}

// AtomicRunnerStore keeps the fake's registered runners in a race-free map
// keyed by runner id.
type AtomicRunnerStore struct {
	mu      sync.Mutex
	runners map[int64]*github.Runner
}

func (s *AtomicRunnerStore) Store(runner *github.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runners == nil {
		s.runners = map[int64]*github.Runner{}
	}
	s.runners[runner.ID] = runner
}

func (s *AtomicRunnerStore) Load(id int64) (*github.Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return nil, false
	}
	cp := *runner
	return &cp, true
}

func (s *AtomicRunnerStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
}

// All returns the stored runners ordered by id.
func (s *AtomicRunnerStore) All() []*github.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	runners := make([]*github.Runner, 0, len(s.runners))
	for _, runner := range s.runners {
		cp := *runner
		runners = append(runners, &cp)
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].ID < runners[j].ID })
	return runners
}

func (s *AtomicRunnerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *AtomicRunnerStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = nil
}
