// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "disks/")
//
// Writes go through the transfer manager, so large objects are uploaded in
// parallel parts. Reads fetch the whole object.
package s3
