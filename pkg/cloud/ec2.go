package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
)

// throttleCodes are EC2 error codes treated as transient regardless of
// fault classification.
var throttleCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"InsufficientInstanceCapacity": true,
}

// EC2Provider implements Provider on the AWS EC2 API.
type EC2Provider struct {
	client *ec2.Client
}

// NewEC2Provider builds a provider for one region using the default AWS
// credential chain.
func NewEC2Provider(ctx context.Context, region string) (*EC2Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &EC2Provider{client: ec2.NewFromConfig(cfg)}, nil
}

// NewEC2ProviderWithClient wires an existing client, used by tests.
func NewEC2ProviderWithClient(client *ec2.Client) *EC2Provider {
	return &EC2Provider{client: client}
}

// Create resolves the AMI pattern to the newest matching image and runs
// one instance with the worker tags applied at launch.
func (p *EC2Provider) Create(ctx context.Context, req CreateRequest) (*VM, error) {
	imageID, err := p.resolveAMI(ctx, req.AMIPattern)
	if err != nil {
		return nil, err
	}

	tags := []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(req.Name)}}
	for k, v := range req.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(req.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Instances) == 0 {
		return nil, errdefs.Permanent(fmt.Errorf("RunInstances returned no instances"))
	}

	inst := out.Instances[0]
	log.WithComponent("cloud").Info().
		Str("provider_instance_id", aws.ToString(inst.InstanceId)).
		Str("instance_type", req.InstanceType).
		Msg("created instance")
	return vmFromInstance(inst), nil
}

// Start starts a stopped instance.
func (p *EC2Provider) Start(ctx context.Context, providerID string) error {
	_, err := p.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{providerID},
	})
	return classify(err)
}

// Stop stops a running instance.
func (p *EC2Provider) Stop(ctx context.Context, providerID string) error {
	_, err := p.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{providerID},
	})
	return classify(err)
}

// Terminate terminates the instance. Terminating an unknown instance is a
// no-op so the controller can retry safely.
func (p *EC2Provider) Terminate(ctx context.Context, providerID string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{providerID},
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
		return nil
	}
	return classify(err)
}

// Describe returns the instance's current state and endpoints.
func (p *EC2Provider) Describe(ctx context.Context, providerID string) (*VM, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{providerID},
	})
	if err != nil {
		return nil, classify(err)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) == providerID {
				return vmFromInstance(inst), nil
			}
		}
	}
	return nil, errdefs.NotFound("instance", providerID)
}

// resolveAMI picks the most recently created available image matching the
// name pattern.
func (p *EC2Provider) resolveAMI(ctx context.Context, pattern string) (string, error) {
	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(out.Images) == 0 {
		return "", errdefs.Permanent(fmt.Errorf("no AMI matches pattern %q", pattern))
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

func vmFromInstance(inst ec2types.Instance) *VM {
	vm := &VM{
		ProviderID:      aws.ToString(inst.InstanceId),
		State:           VMUnknown,
		PublicEndpoint:  aws.ToString(inst.PublicDnsName),
		PrivateEndpoint: aws.ToString(inst.PrivateIpAddress),
	}
	if vm.PublicEndpoint == "" {
		vm.PublicEndpoint = aws.ToString(inst.PublicIpAddress)
	}
	if inst.State != nil {
		switch inst.State.Name {
		case ec2types.InstanceStateNamePending:
			vm.State = VMPending
		case ec2types.InstanceStateNameRunning:
			vm.State = VMRunning
		case ec2types.InstanceStateNameStopping:
			vm.State = VMStopping
		case ec2types.InstanceStateNameStopped:
			vm.State = VMStopped
		case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
			vm.State = VMTerminated
		}
	}
	return vm
}

// classify maps AWS errors onto the core's transient/permanent kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttleCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return errdefs.Transient(err, 1)
		}
		return errdefs.Permanent(err)
	}
	// Anything that never reached the API (network, DNS) is retryable.
	return errdefs.Transient(err, 1)
}
