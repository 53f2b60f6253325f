package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/pashonic/ansible-runner/src/lambdafn"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := lambdafn.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String(cfg.Region)}))
	ec2Config := aws.NewConfig()
	if cfg.Ec2Endpoint != "" {
		ec2Config = ec2Config.WithEndpoint(cfg.Ec2Endpoint)
	}

	app := lambdafn.New(cfg, ec2.New(sess, ec2Config), s3.New(sess))
	lambda.Start(app.Run)
}
