/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package transfer

import (
	"strings"

	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// The transfer job scripts are static bash; everything job specific
// arrives through the job environment, which keeps presigned URLs out of
// the submitted script text and of scheduler accounting.

// downloaderScript runs on the cluster for an ingress transfer. It polls
// the staged object with the HEAD URL until the user finished uploading,
// then streams it to the target path. The poll gives up when the
// presigned URLs would have expired anyway.
const downloaderScript = `echo "started at $(date -u +%Y-%m-%dT%H:%M:%S)"
attempts=0
while true; do
    status=$(curl -s -o /dev/null -w '%{http_code}' --head "$F7T_HEAD_URL")
    if [ "$status" = "200" ]; then
        break
    fi
    attempts=$((attempts + 1))
    if [ "$attempts" -ge "$F7T_MAX_ATTEMPTS" ]; then
        echo "object never arrived, giving up" >&2
        exit 1
    fi
    sleep 10
done
curl -s -f -o "$F7T_OUTPUT_FILE" "$F7T_INPUT_URL"
echo "finished at $(date -u +%Y-%m-%dT%H:%M:%S)"
`

// uploaderScript runs on the cluster for an outgress transfer. It cuts
// the source file into parts, PUTs each part to its presigned URL with a
// bounded number of parallel workers, then seals the object with the
// multipart completion document.
const uploaderScript = `set -o pipefail
echo "started at $(date -u +%Y-%m-%dT%H:%M:%S)"

read -r -a urls <<< "$F7T_MP_PARTS_URL"
if [ "${#urls[@]}" -ne "$F7T_MP_NUM_PARTS" ]; then
    echo "part URL count mismatch" >&2
    exit 1
fi

mkdir -p "$F7T_TMP_FOLDER"
trap 'rm -rf "$F7T_TMP_FOLDER"' EXIT

if [ "$F7T_MP_USE_SPLIT" = "true" ]; then
    split -b "$F7T_MAX_PART_SIZE" -d -a 4 "$F7T_MP_INPUT_FILE" "$F7T_TMP_FOLDER/part_"
fi

upload_part() {
    part="$1"
    url="$2"
    if [ "$F7T_MP_USE_SPLIT" = "true" ]; then
        file=$(printf '%s/part_%04d' "$F7T_TMP_FOLDER" "$((part - 1))")
        headers=$(curl -s -f -D - -o /dev/null -X PUT -T "$file" "$url")
    else
        headers=$(dd if="$F7T_MP_INPUT_FILE" bs="$F7T_MAX_PART_SIZE" skip="$((part - 1))" count=1 2>/dev/null |
            curl -s -f -D - -o /dev/null -X PUT -T - "$url")
    fi
    rc=$?
    if [ "$rc" -ne 0 ]; then
        echo "part $part upload failed" >&2
        return "$rc"
    fi
    etag=$(printf '%s' "$headers" | tr -d '\r' | awk 'tolower($1) == "etag:" {print $2}' | tr -d '"')
    printf '%s' "$etag" > "$F7T_TMP_FOLDER/etag_$part"
}

running=0
for part in $(seq 1 "$F7T_MP_NUM_PARTS"); do
    upload_part "$part" "${urls[$((part - 1))]}" &
    running=$((running + 1))
    if [ "$running" -ge "$F7T_MP_PARALLEL_RUN" ]; then
        wait -n || exit 1
        running=$((running - 1))
    fi
done
wait || exit 1

body="<CompleteMultipartUpload>"
for part in $(seq 1 "$F7T_MP_NUM_PARTS"); do
    etag=$(cat "$F7T_TMP_FOLDER/etag_$part")
    if [ -z "$etag" ]; then
        echo "missing etag for part $part" >&2
        exit 1
    fi
    body="$body<Part><PartNumber>$part</PartNumber><ETag>$etag</ETag></Part>"
done
body="$body</CompleteMultipartUpload>"

curl -s -f -X POST -H 'Content-Type: application/xml' -d "$body" "$F7T_MP_COMPLETE_URL" > /dev/null
echo "finished at $(date -u +%Y-%m-%dT%H:%M:%S)"
`

// buildScript assembles a batch script: shebang, the operator's data
// transfer directives with the account filled in, then the payload.
func buildScript(directives []string, account, body string) (string, error) {
	joined := strings.Join(directives, "\n")
	if strings.Contains(joined, "{account}") {
		if account == "" {
			return "", fcerrors.NewValidation("Account parameter is required on this system.")
		}
		joined = strings.ReplaceAll(joined, "{account}", account)
	}
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if joined != "" {
		b.WriteString(joined)
		b.WriteString("\n")
	}
	b.WriteString(body)
	return b.String(), nil
}
