package mailer

import "html/template"

var digitalProductTmpl = template.Must(template.New("digital-product").Parse(`<!DOCTYPE html>
<html lang="ko">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>디지털 상품 다운로드</title>
</head>
<body style="margin: 0; padding: 0; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background-color: #f5f5f5;">
  <table role="presentation" style="width: 100%; border-collapse: collapse;">
    <tr>
      <td style="padding: 40px 20px;">
        <table role="presentation" style="max-width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px;">
          <tr>
            <td style="background: #667eea; padding: 40px 30px; text-align: center;">
              <h1 style="margin: 0; color: #ffffff; font-size: 28px;">구매 완료</h1>
              <p style="margin: 10px 0 0 0; color: #ffffff; font-size: 16px;">디지털 상품이 준비되었습니다</p>
            </td>
          </tr>
          <tr>
            <td style="padding: 40px 30px;">
              <p style="margin: 0 0 20px 0; color: #333333; font-size: 16px;">안녕하세요, <strong>{{.Name}}</strong>님!</p>
              <p style="margin: 0 0 30px 0; color: #666666; font-size: 15px;">
                <strong style="color: #333333;">{{.ProductName}}</strong> 구매가 완료되었습니다.<br>
                아래 버튼을 클릭하시면 파일을 다운로드할 수 있습니다.
              </p>
              <p style="text-align: center; padding: 20px 0;">
                <a href="{{.DownloadURL}}" style="display: inline-block; padding: 16px 40px; background: #667eea; color: #ffffff; text-decoration: none; border-radius: 6px;">다운로드하기</a>
              </p>
              <ul style="margin: 0; padding-left: 20px; color: #666666; font-size: 14px;">
                <li>다운로드 링크는 <strong>{{.ValidDays}}일간</strong> 유효합니다.</li>
                <li>만료 후에는 재다운로드가 불가능하오니 미리 저장해주세요.</li>
              </ul>
              <p style="margin: 20px 0 0 0; color: #999999; font-size: 13px;">
                버튼이 작동하지 않으면 아래 링크를 복사하여 사용하세요:<br>
                <a href="{{.DownloadURL}}" style="color: #667eea;">{{.DownloadURL}}</a>
              </p>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>
`))

type digitalProductView struct {
	Name        string
	ProductName string
	DownloadURL string
	ValidDays   int
}
