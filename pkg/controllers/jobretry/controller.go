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

package jobretry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/multierr"

	"github.com/runnerfleet/runnerfleet/pkg/controllers/scaleup"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/sqs"
)

// Controller drains the retry queue. A message surfacing here sat out its
// backoff delay; if the job behind it is still queued the message goes back
// to the scale-up queue so the dispatcher takes another run at it.
type Controller struct {
	queue          sqs.Provider
	scaleUpQueue   sqs.Provider
	githubProvider github.Provider
}

func NewController(queue sqs.Provider, scaleUpQueue sqs.Provider, githubProvider github.Provider) *Controller {
	return &Controller{
		queue:          queue,
		scaleUpQueue:   scaleUpQueue,
		githubProvider: githubProvider,
	}
}

func (c *Controller) Name() string {
	return "jobretry"
}

func (c *Controller) Reconcile(ctx context.Context) error {
	sqsMessages, err := c.queue.GetMessages(ctx)
	if err != nil {
		return fmt.Errorf("getting messages from queue %q, %w", c.queue.Name(), err)
	}
	var errs error
	for _, raw := range sqsMessages {
		receivedMessages.Inc()
		if err := c.handleMessage(ctx, aws.ToString(raw.Body)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		// The check is best effort, the message never redelivers
		if err := c.queue.DeleteMessage(ctx, raw.ReceiptHandle); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting message from queue %q, %w", c.queue.Name(), err))
		}
	}
	return errs
}

func (c *Controller) handleMessage(ctx context.Context, body string) error {
	msg, err := scaleup.ParseMessage(body)
	if err != nil {
		log.FromContext(ctx).Error(err, "parsing retry message, dropping it")
		return nil
	}
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "job", msg.ID, "retry-counter", msg.Retries()))
	queued, err := c.jobStillQueued(ctx, msg)
	if err != nil {
		log.FromContext(ctx).Error(err, "checking job status, dropping retry")
		return nil
	}
	if !queued {
		log.FromContext(ctx).V(1).Info("job left the queue, dropping retry")
		droppedMessages.Inc()
		return nil
	}
	// Undelayed, the backoff already happened on this queue
	if _, err := c.scaleUpQueue.SendMessage(ctx, msg, 0); err != nil {
		return fmt.Errorf("forwarding retry to queue %q, %w", c.scaleUpQueue.Name(), err)
	}
	log.FromContext(ctx).Info("job is still queued, forwarded it for another scale up")
	retriedMessages.Inc()
	return nil
}

func (c *Controller) jobStillQueued(ctx context.Context, msg *scaleup.Message) (bool, error) {
	opts := options.FromContext(ctx)
	client, err := c.githubProvider.Client(ctx, msg.Scope(opts.EnableOrgLevel), msg.InstallationID)
	if err != nil {
		return false, fmt.Errorf("building client, %w", err)
	}
	status, err := client.GetJobStatus(ctx, msg.RepositoryOwner, msg.RepositoryName, msg.ID)
	if err != nil {
		return false, fmt.Errorf("getting job status, %w", err)
	}
	return status == github.JobStatusQueued, nil
}
