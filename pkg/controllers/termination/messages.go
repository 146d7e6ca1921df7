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

package termination

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	spotInterruptionSource     = "aws.ec2"
	spotInterruptionDetailType = "EC2 Spot Instance Interruption Warning"
)

// Message is the EventBridge envelope for a spot interruption warning as it
// lands on the watcher queue.
type Message struct {
	Metadata
	Detail Detail `json:"detail"`
}

type Metadata struct {
	Account    string    `json:"account"`
	DetailType string    `json:"detail-type"`
	ID         string    `json:"id"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Source     string    `json:"source"`
	Time       time.Time `json:"time"`
	Version    string    `json:"version"`
}

type Detail struct {
	InstanceID     string `json:"instance-id"`
	InstanceAction string `json:"instance-action"`
}

// ParseMessage unmarshals an envelope and keeps only spot interruption
// warnings. Anything else on the queue is reported as unrecognized.
func ParseMessage(raw []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling message, %w", err)
	}
	if msg.Source != spotInterruptionSource || msg.DetailType != spotInterruptionDetailType {
		return nil, fmt.Errorf("unrecognized event with source %q and detail type %q", msg.Source, msg.DetailType)
	}
	return msg, nil
}
