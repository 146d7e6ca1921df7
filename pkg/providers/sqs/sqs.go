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

package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/runnerfleet/runnerfleet/pkg/aws/sdk"
)

// MaxSendDelay is the longest delivery delay SQS supports on a single message.
const MaxSendDelay = 900 * time.Second

// Provider is bound to a single queue. Components that talk to more than one
// queue hold one Provider per queue.
type Provider interface {
	Name() string
	GetMessages(context.Context) ([]sqstypes.Message, error)
	SendMessage(context.Context, interface{}, time.Duration) (string, error)
	DeleteMessage(context.Context, *string) error
}

type DefaultProvider struct {
	client sdk.SQSAPI

	queueURL string
}

func NewDefaultProvider(client sdk.SQSAPI, queueURL string) *DefaultProvider {
	return &DefaultProvider{
		client:   client,
		queueURL: queueURL,
	}
}

func (p *DefaultProvider) Name() string {
	ss := strings.Split(p.queueURL, "/")
	return ss[len(ss)-1]
}

func (p *DefaultProvider) GetMessages(ctx context.Context) ([]sqstypes.Message, error) {
	input := &sqs.ReceiveMessageInput{
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20, // Seconds
		WaitTimeSeconds:     20, // Seconds, maximum for long polling
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeName(sqstypes.MessageSystemAttributeNameSentTimestamp),
		},
		MessageAttributeNames: []string{
			string(sqstypes.QueueAttributeNameAll),
		},
		QueueUrl: aws.String(p.queueURL),
	}

	result, err := p.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages, %w", err)
	}

	return result.Messages, nil
}

// SendMessage marshals body as json and enqueues it. A non-zero delay defers
// delivery, capped at MaxSendDelay per the SQS limit.
func (p *DefaultProvider) SendMessage(ctx context.Context, body interface{}, delay time.Duration) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling the passed body as json, %w", err)
	}
	if delay > MaxSendDelay {
		delay = MaxSendDelay
	}
	input := &sqs.SendMessageInput{
		MessageBody:  aws.String(string(raw)),
		DelaySeconds: int32(delay / time.Second),
		QueueUrl:     aws.String(p.queueURL),
	}
	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sending messages to sqs queue, %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

func (p *DefaultProvider) DeleteMessage(ctx context.Context, receiptHandle *string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: receiptHandle,
	}

	if _, err := p.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("deleting messages from sqs queue, %w", err)
	}
	return nil
}
