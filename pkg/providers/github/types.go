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
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v73/github"
	"github.com/samber/lo"
)

const (
	RunnerStatusOnline  = "online"
	RunnerStatusOffline = "offline"

	JobStatusQueued = "queued"
)

// Scope is the registration target of a runner: an organization, or a single
// repository when organization level runners are disabled.
type Scope struct {
	Org  string
	Repo string
}

func OrgScope(org string) Scope {
	return Scope{Org: org}
}

func RepoScope(org, repo string) Scope {
	return Scope{Org: org, Repo: repo}
}

func (s Scope) IsOrg() bool {
	return s.Repo == ""
}

// String renders the scope the way it appears in the Owner instance tag and
// in registration URLs: "org" or "org/repo".
func (s Scope) String() string {
	if s.IsOrg() {
		return s.Org
	}
	return fmt.Sprintf("%s/%s", s.Org, s.Repo)
}

// ParseScope parses an Owner tag value back into a Scope.
func ParseScope(s string) Scope {
	org, repo, _ := strings.Cut(s, "/")
	return Scope{Org: org, Repo: repo}
}

// Runner is an internal data representation of an upstream self-hosted
// runner, reduced to the fields the reconciliation loops act on.
type Runner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
}

func (r *Runner) Online() bool {
	return r.Status == RunnerStatusOnline
}

func newRunner(r *github.Runner) *Runner {
	return &Runner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Status: r.GetStatus(),
		Busy:   r.GetBusy(),
	}
}

// JITConfigRequest describes one just-in-time runner registration.
type JITConfigRequest struct {
	Name       string
	GroupID    int64
	Labels     []string
	WorkFolder string
}

// JITConfig is the upstream response: the registered runner and the encoded
// blob the instance boots with.
type JITConfig struct {
	Runner           *Runner
	EncodedJITConfig string
}

// IsNotFound returns true if the err is a GitHub API error (even if it's
// wrapped) with a 404 status
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := lo.ErrorsAs[*github.ErrorResponse](err); ok {
		return apiErr.Response != nil && apiErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
