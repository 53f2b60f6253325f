package lambdafn

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var imageFilters = map[string]string{
	"name":                             "amzn2-*",
	"architecture":                     "x86_64",
	"virtualization-type":              "hvm",
	"block-device-mapping.volume-type": "gp2",
}

func filters(m map[string]string) []*ec2.Filter {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	var result []*ec2.Filter
	for _, k := range names {
		result = append(result, &ec2.Filter{
			Name:   aws.String(k),
			Values: aws.StringSlice([]string{m[k]}),
		})
	}
	return result
}

// newestImageID returns the image with the latest creation date. Images with
// an unparseable date are ignored.
func newestImageID(log logrus.FieldLogger, images []*ec2.Image) string {
	var (
		selected *ec2.Image
		latest   time.Time
	)
	for _, image := range images {
		t, err := time.Parse(time.RFC3339, aws.StringValue(image.CreationDate))
		if err != nil {
			log.WithError(err).WithField("image", aws.StringValue(image.ImageId)).Warn("Ignoring image with invalid creation date")
			continue
		}
		if selected == nil || t.After(latest) {
			selected = image
			latest = t
		}
	}
	if selected == nil {
		return ""
	}
	return aws.StringValue(selected.ImageId)
}

func (a *App) latestImageID(ctx context.Context) (string, error) {
	output, err := a.EC2.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		Filters: filters(imageFilters),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to get image id")
	}
	id := newestImageID(a.Log, output.Images)
	if id == "" {
		return "", errors.New("no matching image found")
	}
	return id, nil
}
