/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package hosted

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"

	"github.com/fernweh-app/fernweh/ingest"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// Store uploads a photo's original bytes under key and returns the public
// URL the stored object is reachable at.
func (c *Client) Store(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	info, err := c.objects.PutObject(ctx, c.cfg.Bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", classifyObjectError(err)
	}

	c.log.Debug("object stored",
		zap.String("key", info.Key),
		zap.Int64("size", info.Size))

	return c.objectURL(key), nil
}

func (c *Client) objectURL(key string) string {
	if base := strings.TrimSuffix(c.cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + key
	}
	u := *c.objects.EndpointURL()
	u.Path = path.Join(u.Path, c.cfg.Bucket, key)
	return u.String()
}

// classifyObjectError translates object store failures into the classes the
// queue knows how to explain to the user.
func classifyObjectError(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "AllAccessDisabled":
		return ingest.WrapPermission(err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "AccessKeyDisabled", "TokenRefreshRequired":
		return ingest.WrapAuth(err)
	case "EntityTooLarge", "MaxMessageLengthExceeded":
		return ingest.WrapQuota(err)
	case "SlowDown", "RequestTimeout":
		return ingest.WrapNetwork(err)
	}
	// bucket quota codes vary by deployment but all mention the quota
	if strings.Contains(resp.Code, "QuotaExceeded") {
		return ingest.WrapQuota(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ingest.WrapNetwork(err)
	}

	return fmt.Errorf("storing object: %w", err)
}
