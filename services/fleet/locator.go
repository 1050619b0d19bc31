package fleet

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// TagKeys names the EC2 tags that scope an application and label an instance's role.
type TagKeys struct {
	Application string
	Role        string
}

// Locator finds an application's instances by tag and lifecycle state.
type Locator struct {
	ec2    EC2API
	tags   TagKeys
	logger *log.Logger
}

// NewLocator builds a Locator. Empty tag keys default to "applicationname" and "Role".
func NewLocator(client EC2API, tags TagKeys, logger *log.Logger) (*Locator, error) {
	if client == nil {
		return nil, errors.New("ec2 client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(tags.Application) == "" {
		tags.Application = "applicationname"
	}
	if strings.TrimSpace(tags.Role) == "" {
		tags.Role = "Role"
	}
	return &Locator{ec2: client, tags: tags, logger: logger}, nil
}

// Locate returns every instance tagged for app that is currently in state.
// Provider errors are logged and yield an empty result.
func (l *Locator) Locate(ctx context.Context, app string, state ec2types.InstanceStateName) []Instance {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + l.tags.Application), Values: []string{app}},
			{Name: aws.String("instance-state-name"), Values: []string{string(state)}},
		},
	}

	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(l.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			l.logger.Printf("ERROR fetching instances: %v", err)
			return nil
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				instances = append(instances, Instance{
					ID:   aws.ToString(inst.InstanceId),
					Role: tagValue(inst.Tags, l.tags.Role),
				})
			}
		}
	}
	return instances
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
