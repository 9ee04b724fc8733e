package storage

import (
	"bytes"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree/config"
)

// s3Store archives committed segment-log chunks to an S3 bucket. It
// never sees individual tree records — only whole, already-committed
// txlog chunks. The "<stream-id>/<sequence>" key shape maps directly
// onto S3 object names: the slash makes each stream a prefix, so a
// stream's chunks can be listed in order without touching any other
// stream's objects.
type s3Store struct {
	client *s3.S3
	bucket string
}

var _ Enumerable = (*s3Store)(nil)

func newS3Store(c *config.C) (Store, error) {
	const maxRetries = 16 // Remote archival must tolerate a flaky link.
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(c.ArchiveS3Region),
		Credentials: credentials.NewSharedCredentials("", c.ArchiveS3Profile),
		MaxRetries:  aws.Int(maxRetries),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &s3Store{
		client: s3.New(sess),
		bucket: c.ArchiveS3Bucket,
	}, nil
}

func (s *s3Store) Get(key Key) (contents Value, err error) {
	output, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "key=%q err=%+v", key, err)
		}
		return nil, err
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			log.WithFields(log.Fields{
				"key":   key,
				"cause": err.Error(),
			}).Warning("storage: could not close S3 response body")
		}
	}()
	return io.ReadAll(output.Body)
}

func (s *s3Store) Put(key Key, value Value) (err error) {
	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (s *s3Store) Delete(key Key) error {
	if _, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
	}); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (s *s3Store) Contains(key Key) (bool, error) {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}
	return true, nil
}

// ForEach pages through the bucket. S3 lists object names in
// lexicographic order, which for NewKey-shaped names is stream order
// then sequence order — the same contract the other enumerable stores
// honor. Objects whose names are not of that shape (someone else's
// droppings in a shared bucket) are skipped.
func (s *s3Store) ForEach(cb func(Key) error) error {
	var cbErr error
	err := s.client.ListObjectsPages(&s3.ListObjectsInput{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, o := range page.Contents {
			k := Key(aws.StringValue(o.Key))
			if _, _, ok := k.Split(); !ok {
				continue
			}
			if cbErr = cb(k); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func isNotFound(err error) bool {
	rfErr, ok := err.(awserr.RequestFailure)
	return ok && rfErr.StatusCode() == http.StatusNotFound
}
