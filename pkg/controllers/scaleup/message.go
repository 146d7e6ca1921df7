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

package scaleup

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
)

const (
	EventTypeWorkflowJob = "workflow_job"
	EventTypeCheckRun    = "check_run"

	OwnerTypeOrganization = "Organization"
	OwnerTypeUser         = "User"
)

// Message is the scale request payload the webhook layer publishes for every
// queued job. The field names are wire-visible, the webhook and the retry
// layer produce the same shape.
type Message struct {
	ID              int64  `json:"id"`
	EventType       string `json:"eventType"`
	RepositoryName  string `json:"repositoryName"`
	RepositoryOwner string `json:"repositoryOwner"`
	InstallationID  int64  `json:"installationId"`
	RepoOwnerType   string `json:"repoOwnerType"`
	// RetryCounter is absent on first delivery and incremented by the retry
	// layer on every hop.
	RetryCounter *int `json:"retryCounter,omitempty"`
}

func ParseMessage(body string) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal([]byte(body), msg); err != nil {
		return nil, fmt.Errorf("unmarshalling scale message, %w", err)
	}
	if msg.ID == 0 || msg.RepositoryOwner == "" {
		return nil, fmt.Errorf("scale message misses a job id or repository owner")
	}
	return msg, nil
}

// Scope returns the runner scope the message schedules for, the organization
// when runners are registered at the organization level, owner/repo otherwise.
func (m *Message) Scope(orgLevel bool) github.Scope {
	if orgLevel {
		return github.OrgScope(m.RepositoryOwner)
	}
	return github.RepoScope(m.RepositoryOwner, m.RepositoryName)
}

// Retries returns how many retry hops this message has taken.
func (m *Message) Retries() int {
	return lo.FromPtrOr(m.RetryCounter, 0)
}
