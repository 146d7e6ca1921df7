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

package jobretry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/runnerfleet/runnerfleet/pkg/controllers/jobretry"
	"github.com/runnerfleet/runnerfleet/pkg/controllers/scaleup"
	"github.com/runnerfleet/runnerfleet/pkg/fake"
	"github.com/runnerfleet/runnerfleet/pkg/operator/options"
	"github.com/runnerfleet/runnerfleet/pkg/providers/sqs"
	"github.com/runnerfleet/runnerfleet/pkg/test"
)

const (
	retryQueueURL   = "https://sqs.us-east-1.amazonaws.com/123456789012/retry"
	scaleUpQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/scale-up"
)

var ctx context.Context
var env *test.Environment
var controller *jobretry.Controller

func TestJobRetry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "JobRetry")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = options.ToContext(context.Background(), test.Options())
	env.Reset()
	queue := sqs.NewDefaultProvider(env.SQSAPI, retryQueueURL)
	scaleUpQueue := sqs.NewDefaultProvider(env.SQSAPI, scaleUpQueueURL)
	controller = jobretry.NewController(queue, scaleUpQueue, env.GithubAPI)
})

func retryMessage(counter int) string {
	return string(lo.Must(json.Marshal(&scaleup.Message{
		ID:              1000,
		EventType:       scaleup.EventTypeWorkflowJob,
		RepositoryName:  "test-repo",
		RepositoryOwner: "test-org",
		InstallationID:  42,
		RepoOwnerType:   scaleup.OwnerTypeOrganization,
		RetryCounter:    lo.ToPtr(counter),
	})))
}

func receive(body string) {
	env.SQSAPI.ReceiveMessageBehavior.Output.Set(&awssqs.ReceiveMessageOutput{
		Messages: []sqstypes.Message{{
			Body:          aws.String(body),
			MessageId:     aws.String("message-0"),
			ReceiptHandle: aws.String("receipt-0"),
		}},
	})
}

var _ = Describe("Reconcile", func() {
	It("should do nothing when the queue is empty", func() {
		Expect(controller.Reconcile(ctx)).To(Succeed())
		Expect(env.SQSAPI.SendMessageBehavior.Calls()).To(Equal(0))
	})
	It("should surface a receive failure", func() {
		env.SQSAPI.ReceiveMessageBehavior.Error.Set(errors.New("queue gone"))
		Expect(controller.Reconcile(ctx)).ToNot(Succeed())
	})
	It("should forward a still queued job to the scale-up queue undelayed", func() {
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).To(Succeed())

		Expect(env.SQSAPI.SendMessageBehavior.CalledWithInput.Len()).To(Equal(1))
		input := env.SQSAPI.SendMessageBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(input.QueueUrl)).To(Equal(scaleUpQueueURL))
		Expect(input.DelaySeconds).To(Equal(int32(0)))
		// The hop counter travels untouched, the dispatcher increments it
		forwarded := lo.Must(scaleup.ParseMessage(aws.ToString(input.MessageBody)))
		Expect(forwarded.ID).To(Equal(int64(1000)))
		Expect(lo.FromPtr(forwarded.RetryCounter)).To(Equal(1))

		deleted := env.SQSAPI.DeleteMessageBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(deleted.QueueUrl)).To(Equal(retryQueueURL))
	})
	It("should drop a job that left the queue", func() {
		env.GithubAPI.GetJobStatusBehavior.Output.Set(&fake.GetJobStatusOutput{Status: "completed"})
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).To(Succeed())
		Expect(env.SQSAPI.SendMessageBehavior.Calls()).To(Equal(0))
		Expect(env.SQSAPI.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should drop a malformed message", func() {
		receive("{this is not json")
		Expect(controller.Reconcile(ctx)).To(Succeed())
		Expect(env.GithubAPI.GetJobStatusBehavior.Calls()).To(Equal(0))
		Expect(env.SQSAPI.SendMessageBehavior.Calls()).To(Equal(0))
		Expect(env.SQSAPI.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should drop the retry when the status check fails", func() {
		env.GithubAPI.GetJobStatusBehavior.Error.Set(errors.New("api down"))
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).To(Succeed())
		Expect(env.SQSAPI.SendMessageBehavior.Calls()).To(Equal(0))
		Expect(env.SQSAPI.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should drop the retry when the installation client cannot be built", func() {
		env.GithubAPI.NextClientError.Set(errors.New("app key rejected"))
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).To(Succeed())
		Expect(env.SQSAPI.SendMessageBehavior.Calls()).To(Equal(0))
		Expect(env.SQSAPI.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should keep the message when forwarding fails", func() {
		env.SQSAPI.SendMessageBehavior.Error.Set(errors.New("queue gone"))
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).ToNot(Succeed())
		Expect(env.SQSAPI.DeleteMessageBehavior.Calls()).To(Equal(0))
	})
	It("should surface a delete failure", func() {
		env.SQSAPI.DeleteMessageBehavior.Error.Set(errors.New("receipt expired"))
		receive(retryMessage(1))
		Expect(controller.Reconcile(ctx)).ToNot(Succeed())
	})
})
