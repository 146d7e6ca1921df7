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
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/multierr"

	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	"github.com/runnerfleet/runnerfleet/pkg/providers/sqs"
)

// Controller watches the interruption queue for spot capacity reclaims. The
// instance terminates either way; the watcher exists so an interrupted job
// shows up in logs and metrics instead of looking like a runner that vanished.
type Controller struct {
	queue            sqs.Provider
	instanceProvider instance.Provider
}

func NewController(queue sqs.Provider, instanceProvider instance.Provider) *Controller {
	return &Controller{
		queue:            queue,
		instanceProvider: instanceProvider,
	}
}

func (c *Controller) Name() string {
	return "termination"
}

func (c *Controller) Reconcile(ctx context.Context) error {
	sqsMessages, err := c.queue.GetMessages(ctx)
	if err != nil {
		return fmt.Errorf("getting messages from queue %q, %w", c.queue.Name(), err)
	}
	var errs error
	for _, raw := range sqsMessages {
		receivedMessages.Inc()
		c.handleMessage(ctx, aws.ToString(raw.Body))
		if err := c.queue.DeleteMessage(ctx, raw.ReceiptHandle); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting message from queue %q, %w", c.queue.Name(), err))
		}
	}
	return errs
}

func (c *Controller) handleMessage(ctx context.Context, body string) {
	msg, err := ParseMessage([]byte(body))
	if err != nil {
		log.FromContext(ctx).V(1).Info("dropping message", "error", err)
		return
	}
	instances, err := c.instanceProvider.List(ctx, instance.IDFilter(msg.Detail.InstanceID))
	if err != nil {
		log.FromContext(ctx).Error(err, "looking up interrupted instance", "instance", msg.Detail.InstanceID)
		return
	}
	if len(instances) == 0 {
		// Not one of ours
		return
	}
	inst := instances[0]
	log.FromContext(ctx).Info("spot capacity is being reclaimed, runner will disappear",
		"instance", inst.ID,
		"owner", inst.Owner(),
		"created-by", inst.CreatedBy(),
		"action", msg.Detail.InstanceAction,
	)
	interruptedInstances.WithLabelValues(inst.Owner()).Inc()
}
