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
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	awserrors "github.com/runnerfleet/runnerfleet/pkg/errors"
	"github.com/runnerfleet/runnerfleet/pkg/log"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/github"
	"github.com/runnerfleet/runnerfleet/pkg/providers/instance"
	"github.com/runnerfleet/runnerfleet/pkg/providers/sqs"
)

// Controller drains the scale-up queue and turns each message batch into
// runner instances. Messages it cannot serve stay on the queue, everything
// else is deleted once the batch settles.
type Controller struct {
	queue            sqs.Provider
	retryQueue       sqs.Provider
	githubProvider   github.Provider
	instanceProvider instance.Provider
	provisioner      *Provisioner
}

// delivery pairs a parsed scale message with its queue receipt so individual
// messages can be acknowledged or left for redelivery.
type delivery struct {
	*Message
	messageID     string
	receiptHandle *string
}

// NewController wires the scale-up dispatcher. retryQueue may be nil when the
// retry layer is disabled.
func NewController(queue sqs.Provider, retryQueue sqs.Provider, githubProvider github.Provider, instanceProvider instance.Provider, provisioner *Provisioner) *Controller {
	return &Controller{
		queue:            queue,
		retryQueue:       retryQueue,
		githubProvider:   githubProvider,
		instanceProvider: instanceProvider,
		provisioner:      provisioner,
	}
}

func (c *Controller) Name() string {
	return "scaleup"
}

// Reconcile receives one batch, dispatches it, and acknowledges every message
// that is not marked for redelivery.
func (c *Controller) Reconcile(ctx context.Context) error {
	sqsMessages, err := c.queue.GetMessages(ctx)
	if err != nil {
		return fmt.Errorf("getting messages from queue, %w", err)
	}
	if len(sqsMessages) == 0 {
		return nil
	}
	receivedMessages.Add(float64(len(sqsMessages)))

	var errs error
	batch := make([]*delivery, 0, len(sqsMessages))
	for _, raw := range sqsMessages {
		msg, err := ParseMessage(aws.ToString(raw.Body))
		if err != nil {
			// A malformed message never becomes schedulable, drop it
			log.FromContext(ctx).Error(err, "parsing scale message", "message-id", aws.ToString(raw.MessageId))
			errs = multierr.Append(errs, c.deleteMessage(ctx, raw.ReceiptHandle))
			continue
		}
		batch = append(batch, &delivery{Message: msg, messageID: aws.ToString(raw.MessageId), receiptHandle: raw.ReceiptHandle})
	}

	start := time.Now()
	rejected := c.handleBatch(ctx, batch)
	batchDuration.Observe(time.Since(start).Seconds())
	rejectedMessages.Add(float64(len(rejected)))

	for _, d := range batch {
		if lo.Contains(rejected, d.messageID) {
			continue
		}
		errs = multierr.Append(errs, c.deleteMessage(ctx, d.receiptHandle))
	}
	return errs
}

// handleBatch dispatches one batch and returns the delivery ids that must stay
// on the queue for redelivery.
func (c *Controller) handleBatch(ctx context.Context, batch []*delivery) (rejected []string) {
	opts := options.FromContext(ctx)
	// Oldest retries keep their instances when capacity runs short, rejects
	// are always taken from the front of this ordering
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Retries() < batch[j].Retries()
	})

	groups := map[string][]*delivery{}
	var order []string
	for _, d := range batch {
		if opts.EnableEphemeralRunners && d.EventType != EventTypeWorkflowJob {
			log.FromContext(ctx).Info("rejecting message, ephemeral runners only scale on workflow_job events", "event-type", d.EventType, "job", d.ID)
			rejected = append(rejected, d.messageID)
			continue
		}
		if d.EventType == EventTypeCheckRun && opts.EnableJobQueuedCheck {
			// check_run payloads carry no workflow job id, the queued check
			// cannot resolve them
			log.FromContext(ctx).Info("rejecting check_run message, the job queued check requires workflow_job events", "job", d.ID)
			rejected = append(rejected, d.messageID)
			continue
		}
		if opts.EnableOrgLevel && d.RepoOwnerType != OwnerTypeOrganization {
			// User owned repositories can never register organization
			// runners, retrying would loop forever
			log.FromContext(ctx).Info("dropping message, owner is not an organization", "severity", "warning", "owner", d.RepositoryOwner, "owner-type", d.RepoOwnerType, "job", d.ID)
			continue
		}
		key := d.Scope(opts.EnableOrgLevel).String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	for _, key := range order {
		msgs := groups[key]
		rejected = append(rejected, c.handleScope(ctx, msgs[0].Scope(opts.EnableOrgLevel), msgs)...)
	}
	return rejected
}

// handleScope serves one owning scope of the batch. Returned ids are the
// scope's messages that must be redelivered.
func (c *Controller) handleScope(ctx context.Context, scope github.Scope, msgs []*delivery) []string {
	opts := options.FromContext(ctx)
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "scope", scope.String()))

	client, err := c.githubProvider.Client(ctx, scope, installationID(msgs))
	if err != nil {
		log.FromContext(ctx).Error(err, "building installation client")
		return deliveryIDs(msgs)
	}

	// Drop jobs that already found a runner
	if opts.EnableJobQueuedCheck {
		var queued []*delivery
		for _, d := range msgs {
			status, err := client.GetJobStatus(ctx, d.RepositoryOwner, d.RepositoryName, d.ID)
			if err != nil {
				log.FromContext(ctx).Error(err, "checking job status", "job", d.ID)
				return deliveryIDs(msgs)
			}
			if status != github.JobStatusQueued {
				log.FromContext(ctx).V(1).Info("job no longer queued, dropping message", "job", d.ID, "status", status)
				droppedJobs.Inc()
				continue
			}
			queued = append(queued, d)
		}
		msgs = queued
	}
	if len(msgs) == 0 {
		return nil
	}

	newCount := len(msgs)
	if opts.MaximumRunners != -1 {
		current, err := c.instanceProvider.List(ctx, instance.OwnerFilter(scope.String()))
		if err != nil {
			log.FromContext(ctx).Error(err, "listing current runners")
			return deliveryIDs(msgs)
		}
		headroom := opts.MaximumRunners - len(current)
		if headroom < 0 {
			headroom = 0
		}
		if newCount > headroom {
			newCount = headroom
		}
	}
	var rejected []string
	if deficit := len(msgs) - newCount; deficit > 0 {
		log.FromContext(ctx).Info("runner budget exhausted, deferring messages", "maximum", opts.MaximumRunners, "deferred", deficit)
		rejected = append(rejected, deliveryIDs(msgs[:deficit])...)
		msgs = msgs[deficit:]
	}
	if len(msgs) == 0 {
		return rejected
	}

	created, failed, err := c.provisioner.Launch(ctx, client, len(msgs), instance.CreatedByScaleUp)
	if len(created) == 0 {
		if err == nil {
			return rejected
		}
		if awserrors.IsRetriable(err) {
			log.FromContext(ctx).Error(awserrors.NewScaleError(len(msgs), err), "scaling up")
			return append(rejected, deliveryIDs(msgs)...)
		}
		// Fatal capacity errors would poison the queue on retry, accept the
		// messages and surface the failure in the log
		log.FromContext(ctx).Error(err, "scaling up")
		return rejected
	}
	createdInstances.WithLabelValues(scope.String()).Add(float64(len(created)))
	if err != nil {
		log.FromContext(ctx).Error(err, "provisioning registration secrets")
	}

	// Partial fulfillment, the front of the remaining order is redelivered
	if shortfall := len(msgs) - len(created); shortfall > 0 {
		log.FromContext(ctx).Info("fleet request partially fulfilled", "requested", len(msgs), "created", len(created))
		rejected = append(rejected, deliveryIDs(msgs[:shortfall])...)
		msgs = msgs[shortfall:]
	}
	// msgs[i] rides created[i] from here on
	for i, d := range msgs {
		if lo.Contains(failed, created[i]) {
			rejected = append(rejected, d.messageID)
			continue
		}
		c.publishRetryMessage(ctx, d.Message)
	}
	return rejected
}

// publishRetryMessage hands an accepted message to the retry layer so the job
// is re-checked if no runner picks it up. The delivery delay grows
// exponentially with the hop counter.
func (c *Controller) publishRetryMessage(ctx context.Context, msg *Message) {
	cfg := options.FromContext(ctx).JobRetry
	if c.retryQueue == nil || !cfg.Enable {
		return
	}
	next := lo.FromPtrOr(msg.RetryCounter, -1) + 1
	if next >= cfg.MaxAttempts {
		return
	}
	republished := *msg
	republished.RetryCounter = lo.ToPtr(next)
	if _, err := c.retryQueue.SendMessage(ctx, republished, retryDelay(cfg, lo.FromPtrOr(msg.RetryCounter, 0))); err != nil {
		log.FromContext(ctx).Error(err, "publishing retry message", "job", msg.ID)
	}
}

// retryDelay computes delayInSeconds × delayBackoff^counter, capped at the
// queue's maximum delivery delay.
func retryDelay(cfg options.JobRetryConfig, counter int) time.Duration {
	delay := time.Duration(float64(cfg.DelayInSeconds)*math.Pow(cfg.DelayBackoff, float64(counter))) * time.Second
	if delay > sqs.MaxSendDelay {
		return sqs.MaxSendDelay
	}
	return delay
}

func (c *Controller) deleteMessage(ctx context.Context, receiptHandle *string) error {
	if err := c.queue.DeleteMessage(ctx, receiptHandle); err != nil {
		return fmt.Errorf("deleting sqs message, %w", err)
	}
	deletedMessages.Inc()
	return nil
}

func installationID(msgs []*delivery) int64 {
	for _, d := range msgs {
		if d.InstallationID != 0 {
			return d.InstallationID
		}
	}
	return 0
}

func deliveryIDs(msgs []*delivery) []string {
	return lo.Map(msgs, func(d *delivery, _ int) string { return d.messageID })
}
