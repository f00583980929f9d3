package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	log "github.com/sirupsen/logrus"
)

// TagLister is the part of the Resource Groups Tagging API used to find
// staging buckets by tag.
type TagLister interface {
	GetResources(ctx context.Context, params *resourcegroupstaggingapi.GetResourcesInput, optFns ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error)
}

// DiscoverTaggedBuckets lists the S3 buckets tagged key=value. Names come back
// sorted so slot placement stays stable between runs.
func DiscoverTaggedBuckets(ctx context.Context, client TagLister, selector string) ([]BucketConfig, error) {
	key, value, ok := strings.Cut(selector, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("tag selector %q must look like key=value", selector)
	}

	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(client, &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"s3"},
		TagFilters: []types.TagFilter{{
			Key:    aws.String(strings.TrimSpace(key)),
			Values: []string{strings.TrimSpace(value)},
		}},
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list buckets tagged %s: %w", selector, err)
		}
		for _, m := range page.ResourceTagMappingList {
			// arn:aws:s3:::bucket-name
			arn := aws.ToString(m.ResourceARN)
			if name := arn[strings.LastIndex(arn, ":")+1:]; name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no S3 buckets are tagged %s", selector)
	}
	sort.Strings(names)

	out := make([]BucketConfig, len(names))
	for i, name := range names {
		out[i] = BucketConfig{Name: name, Type: S3Type}
	}
	log.Debugf("Tag %s selected buckets %v", selector, names)
	return out, nil
}
